// Package wake detects the host resuming from sleep by watching for gaps in
// wall-clock time. Timers don't fire while the machine is suspended, so a
// tick that arrives far later than scheduled means the host was asleep.
package wake

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
)

const (
	pollInterval = 10 * time.Second

	// gapThreshold is how much later than scheduled a tick must arrive
	// before it counts as a resume rather than scheduler jitter.
	gapThreshold = 30 * time.Second
)

// OnResume invokes callback whenever the host appears to have woken from
// sleep. It runs until ctx is done.
func OnResume(ctx context.Context, callback func()) {
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if gap := now.Sub(last); gap > pollInterval+gapThreshold {
					dlog.Infof(ctx, "host resumed from sleep (clock jumped %s)", gap)
					callback()
				}
				last = now
			}
		}
	}()
}
