// Package topology holds the cluster view supplied by an external monitor:
// which server is primary, which are replicas/relays, and observed
// replication lag. The router treats it as read-only and atomically swapped,
// per SPEC_FULL.md's concurrency model (tiproxy's observer/backend list
// pattern, trimmed of the monitor implementation itself — out of scope per
// spec.md Non-goals, "cluster topology discovery (supplied by an external
// monitor)").
package topology

import (
	"sync/atomic"
	"time"
)

type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleReplica
	RoleRelay
	RoleDown
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	case RoleRelay:
		return "relay"
	case RoleDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParseRole parses the string form a static config file or monitor update
// carries (config.Server.Role) into a Role, defaulting unrecognised values to
// RoleUnknown rather than erroring, so one bad entry does not fail the whole
// snapshot. RoleUnknown is not treated as down: such a server can still be
// connected and, not being the primary, is a slave-selection candidate.
func ParseRole(s string) Role {
	switch s {
	case "primary", "master":
		return RolePrimary
	case "replica", "slave":
		return RoleReplica
	case "relay":
		return RoleRelay
	case "down":
		return RoleDown
	default:
		return RoleUnknown
	}
}

// Server is one cluster member as observed by the monitor.
type Server struct {
	Name          string
	Addr          string
	Role          Role
	LagMillis     int64
	LastCheckedAt time.Time
}

// Snapshot is an immutable view of the whole cluster at one instant.
type Snapshot struct {
	Servers []Server
}

func (s *Snapshot) Primary() (Server, bool) {
	for _, srv := range s.Servers {
		if srv.Role == RolePrimary {
			return srv, true
		}
	}
	return Server{}, false
}

func (s *Snapshot) ByName(name string) (Server, bool) {
	for _, srv := range s.Servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return Server{}, false
}

func (s *Snapshot) Replicas(includeMaster bool) []Server {
	out := make([]Server, 0, len(s.Servers))
	for _, srv := range s.Servers {
		switch srv.Role {
		case RoleReplica, RoleRelay:
			out = append(out, srv)
		case RolePrimary:
			if includeMaster {
				out = append(out, srv)
			}
		}
	}
	return out
}

// View is an atomically-swapped holder for the current Snapshot, shared
// across all router sessions attached to one cluster.
type View struct {
	cur atomic.Pointer[Snapshot]
}

func NewView(initial *Snapshot) *View {
	v := &View{}
	if initial == nil {
		initial = &Snapshot{}
	}
	v.cur.Store(initial)
	return v
}

func (v *View) Load() *Snapshot {
	return v.cur.Load()
}

func (v *View) Store(s *Snapshot) {
	v.cur.Store(s)
}
