package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/questly/questmonitor/internal/quest"
)

// ServerClock is the local clock shifted by a fixed offset sampled once
// against the backend.
type ServerClock struct {
	clock  clockwork.Clock
	offset atomic.Int64
}

func NewServerClock(clock clockwork.Clock) *ServerClock {
	return &ServerClock{clock: clock}
}

// Sync samples the server time and stores its offset from the local clock at
// the midpoint of the request, to millisecond precision. On error the
// previous offset is kept.
func (c *ServerClock) Sync(ctx context.Context, fetch func(context.Context) (time.Time, error)) error {
	before := c.clock.Now()
	server, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching server time: %w", err)
	}
	after := c.clock.Now()

	mid := before.Add(after.Sub(before) / 2)
	c.offset.Store(int64(server.Sub(mid).Round(time.Millisecond)))
	return nil
}

func (c *ServerClock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

func (c *ServerClock) Now() time.Time {
	return c.clock.Now().Add(c.Offset())
}

// FormatTimer renders the session timer: a countdown to start while
// scheduled, the elapsed time while in progress, and nothing once finished.
func FormatTimer(status quest.Status, start *time.Time, now time.Time) string {
	if start == nil {
		return ""
	}
	var d time.Duration
	switch status {
	case quest.StatusScheduled:
		d = start.Sub(now)
	case quest.StatusInProgress:
		d = now.Sub(*start)
	default:
		return ""
	}
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}
