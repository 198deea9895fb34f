//go:build linux || darwin

package eventloop

import (
	"context"
	"testing"
	"time"
)

// waitLoopState waits for a loop to reach a specific state within a timeout.
func waitLoopState(t *testing.T, loop *Loop, expected LoopState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for loop.State() != expected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if loop.State() != expected {
		// Accept either Running or Sleeping as "running"
		state := loop.State()
		if expected == StateRunning && (state == StateRunning || state == StateSleeping) {
			return
		}
		t.Fatalf("Loop failed to reach %v state (got %v)", expected, state)
	}
}

// startLoop runs a new loop in the background, shutting it down on cleanup.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()
	waitLoopState(t, loop, StateRunning, time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-ctx.Done():
			t.Error("timed out waiting for Run to return")
		}
	})
	return loop
}

// onLoop runs fn on the loop goroutine and waits for it to complete.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := loop.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task")
	}
}
