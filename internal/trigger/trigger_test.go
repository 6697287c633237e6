package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestTickerFiresPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int64
	ticker := NewTicker(5*time.Millisecond, func(context.Context) {
		fired.Add(1)
	})
	go ticker.Run(ctx)

	require.Eventually(t, func() bool { return fired.Load() >= 3 },
		time.Second, time.Millisecond)
}

func TestNotifierCollapsesKicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int64
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	notifier := NewNotifier(func(context.Context) {
		started <- struct{}{}
		<-release
		fired.Add(1)
	})
	go notifier.Run(ctx)

	notifier.Kick()
	<-started
	// Kicks while a pass runs collapse into at most one follow-up pass.
	notifier.Kick()
	notifier.Kick()
	notifier.Kick()
	close(release)

	require.Eventually(t, func() bool { return fired.Load() == 2 },
		time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(2), fired.Load())
}

func TestConnectivityWatcherFiresOnTransition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := conn.CloseRead(r.Context())
		<-ctx.Done()
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int64
	watcher := NewConnectivityWatcher(url, 10*time.Millisecond, func(context.Context) {
		fired.Add(1)
	})
	go watcher.Run(ctx)

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The established probe stays up without refiring.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), fired.Load())
}
