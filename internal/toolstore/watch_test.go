package toolstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatch_NotifiesOnInstall(t *testing.T) {
	s := newStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)
	install(t, s, testBundle("acme/weather", "1.0.0"))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after install")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
