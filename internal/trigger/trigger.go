// Package trigger schedules drain passes: on a timer, on demand, and on
// connectivity regained.
package trigger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/mosaicapps/outbox/internal/observability"
)

// Func is the action a trigger fires, typically one processor drain pass.
type Func func(ctx context.Context)

// Ticker fires the action on a fixed interval until the context ends.
type Ticker struct {
	interval time.Duration
	fn       Func
}

// NewTicker constructs a periodic trigger. Interval must be positive.
func NewTicker(interval time.Duration, fn Func) *Ticker {
	return &Ticker{interval: interval, fn: fn}
}

// Run blocks until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	if t.interval <= 0 || t.fn == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}

// Notifier fires the action when kicked, collapsing kicks that arrive while
// a pass is already scheduled.
type Notifier struct {
	fn    Func
	kicks chan struct{}
}

// NewNotifier constructs an on-demand trigger.
func NewNotifier(fn Func) *Notifier {
	return &Notifier{fn: fn, kicks: make(chan struct{}, 1)}
}

// Kick schedules a pass. Never blocks.
func (n *Notifier) Kick() {
	select {
	case n.kicks <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.kicks:
			if n.fn != nil {
				n.fn(ctx)
			}
		}
	}
}

const watcherMaxReconnectInterval = 30 * time.Second

// ConnectivityWatcher holds a websocket probe open against a well-known
// endpoint and fires the action each time connectivity transitions from
// offline to online, which is the moment queued offline mutations become
// deliverable.
type ConnectivityWatcher struct {
	url       string
	heartbeat time.Duration
	fn        Func
}

// NewConnectivityWatcher constructs a watcher probing url with the given
// ping cadence.
func NewConnectivityWatcher(url string, heartbeat time.Duration, fn Func) *ConnectivityWatcher {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &ConnectivityWatcher{url: url, heartbeat: heartbeat, fn: fn}
}

// Run blocks until ctx is done, redialing with exponential backoff whenever
// the probe connection drops.
func (w *ConnectivityWatcher) Run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = watcherMaxReconnectInterval

	online := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, w.url, nil)
		if err != nil {
			if online {
				observability.Log().Warn("connectivity lost",
					observability.F("url", w.url))
			}
			online = false
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = watcherMaxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}
		backoffCfg.Reset()

		if !online {
			observability.Log().Info("connectivity online",
				observability.F("url", w.url))
			if w.fn != nil {
				w.fn(ctx)
			}
		}
		online = true

		w.hold(ctx, conn)
	}
}

// hold keeps the probe connection alive with periodic pings and returns when
// the connection or the context dies.
func (w *ConnectivityWatcher) hold(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead pumps control frames so Ping receives its pongs.
	readCtx := conn.CloseRead(ctx)
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readCtx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
