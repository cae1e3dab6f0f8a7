package router

import (
	"sort"
	"time"

	"github.com/rwsplit/rwsplit/internal/metrics"
)

// Candidate is the selection-relevant view of one Backend, decoupled from the
// backendconn package so this file stays a pure function over plain data.
type Candidate struct {
	Name              string
	IsMaster          bool
	LagMillis         int64
	CurrentOperations int
	RunningQueries    int
	LastUsedAt        time.Time
	EWMALatencyMicros float64
	InUse             bool
	Connectable       bool
}

// Criterion ranks candidates best-first. Exactly one is active per session,
// chosen from config.RWSplit.SlaveSelectionCriteria at session start — a
// strategy object, not a dispatch-by-string callback table, per
// SPEC_FULL.md's Design Notes guidance on replacing global callback registries.
type Criterion interface {
	Name() string
	Less(a, b Candidate) bool
}

type LeastCurrentOperations struct{}

func (LeastCurrentOperations) Name() string { return "LEAST_CURRENT_OPERATIONS" }
func (LeastCurrentOperations) Less(a, b Candidate) bool {
	return a.CurrentOperations < b.CurrentOperations
}

type LeastBehindMaster struct{}

func (LeastBehindMaster) Name() string { return "LEAST_BEHIND_MASTER" }
func (LeastBehindMaster) Less(a, b Candidate) bool { return a.LagMillis < b.LagMillis }

type LeastRecentlyUsed struct{}

func (LeastRecentlyUsed) Name() string { return "LEAST_GLOBAL_CONNECTIONS" }
func (LeastRecentlyUsed) Less(a, b Candidate) bool { return a.LastUsedAt.Before(b.LastUsedAt) }

// AdaptiveRouting ranks by an exponentially-weighted moving average of
// observed reply latency, grounded on the scoring pattern in tiproxy's
// factor_conn.go (per-backend score, lower is better).
type AdaptiveRouting struct{}

func (AdaptiveRouting) Name() string { return "ADAPTIVE_ROUTING" }
func (AdaptiveRouting) Less(a, b Candidate) bool { return a.EWMALatencyMicros < b.EWMALatencyMicros }

type FewestRunningQueries struct{}

func (FewestRunningQueries) Name() string { return "LEAST_ROUTER_CONNECTIONS" }
func (FewestRunningQueries) Less(a, b Candidate) bool { return a.RunningQueries < b.RunningQueries }

// CriterionByName resolves the config string to a Criterion, defaulting to
// LeastCurrentOperations for an unrecognised value (Check() should have
// already rejected those at config-load time).
func CriterionByName(name string) Criterion {
	switch name {
	case "LEAST_BEHIND_MASTER":
		return LeastBehindMaster{}
	case "LEAST_GLOBAL_CONNECTIONS":
		return LeastRecentlyUsed{}
	case "ADAPTIVE_ROUTING":
		return AdaptiveRouting{}
	case "LEAST_ROUTER_CONNECTIONS":
		return FewestRunningQueries{}
	default:
		return LeastCurrentOperations{}
	}
}

// SelectParams bundles the selection inputs not captured by Candidate itself.
type SelectParams struct {
	Target            RouteTarget
	Candidates        []Candidate
	Criterion         Criterion
	MasterAcceptReads bool
	MaxLagMillis      int64 // from config.RWSplit.MaxSlaveReplicationLag; negative = unlimited
	SessionSlaveCount int
	MaxSlaveCount     int
}

// Select turns a RouteTarget class into one concrete Candidate, applying the
// rules in spec.md §4.3's "Backend selection given a target class" section.
func Select(p SelectParams) (Candidate, bool) {
	switch p.Target.Class {
	case TargetNamedServer:
		// spec.md §4.3: the unique Backend whose name matches (case-
		// insensitive) and whose role is master/slave/relay (Connectable:
		// not down, not closed) and is in-use.
		for _, c := range p.Candidates {
			if equalFoldASCII(c.Name, p.Target.ServerName) && c.Connectable && c.InUse {
				return c, true
			}
		}
		return Candidate{}, false

	case TargetMaster:
		for _, c := range p.Candidates {
			if c.IsMaster {
				return c, true
			}
		}
		return Candidate{}, false

	case TargetSlave:
		return selectSlave(p, p.MaxLagMillis)

	case TargetLagMax:
		return selectSlave(p, p.Target.MaxLagMillis)

	case TargetAll:
		// ALL has no single backend; callers broadcast instead of selecting.
		return Candidate{}, false

	default:
		return Candidate{}, false
	}
}

func selectSlave(p SelectParams, maxLag int64) (Candidate, bool) {
	if p.MaxSlaveCount > 0 && p.SessionSlaveCount >= p.MaxSlaveCount {
		// Still allow picking among already-attached slaves; just refuse to
		// open a new one. The loop below enforces the "admit new connections
		// only while below max_slave_count" half of this rule by skipping
		// every candidate that is not yet in use.
	}

	eligible := make([]Candidate, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		if c.IsMaster && !p.MasterAcceptReads {
			continue
		}
		if maxLag >= 0 && c.LagMillis > maxLag {
			continue
		}
		if p.MaxSlaveCount > 0 && !c.InUse && p.SessionSlaveCount >= p.MaxSlaveCount {
			continue
		}
		eligible = append(eligible, c)
	}
	metrics.ReplicaSelectedGauge.Set(float64(len(eligible)))
	if len(eligible) == 0 {
		return Candidate{}, false
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return p.Criterion.Less(eligible[i], eligible[j])
	})
	return eligible[0], true
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
