package session

import (
	"fmt"
	"time"

	"github.com/rwsplit/rwsplit/internal/wire"
)

// wrapCausalRead prepends a GTID-wait call to payload's query text so the
// replica blocks until it has replayed gtid, per spec.md §4.3 step 7. The
// result is a multi-statement COM_QUERY; the backend must have multi-
// statements enabled for this to take effect.
func wrapCausalRead(payload []byte, gtid string, timeout time.Duration, waitFn string) []byte {
	wait := fmt.Sprintf("SELECT %s('%s', %d)", waitFn, gtid, int(timeout.Seconds()))
	text := payload[1:]
	out := make([]byte, 0, len(wait)+1+len(text)+1)
	out = append(out, byte(wire.ComQuery))
	out = append(out, wait...)
	out = append(out, ';')
	out = append(out, text...)
	return out
}
