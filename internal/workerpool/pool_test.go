package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 16}, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		if !p.Submit(Task{Name: "inc", Run: func(context.Context) error { n.Add(1); return nil }}) {
			t.Fatal("submit rejected")
		}
	}
	waitFor(t, func() bool { return n.Load() == 10 })
}

func TestPool_SubmitFullQueue(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	if !p.Submit(Task{Name: "queued", Run: func(context.Context) error { return nil }}) {
		t.Fatal("one task should fit in the queue")
	}
	if p.Submit(Task{Name: "overflow", Run: func(context.Context) error { return nil }}) {
		t.Error("submit should fail when the queue is full")
	}
	close(release)
}

func TestPool_StopCancelsInFlight(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 4}, zerolog.Nop())
	p.Start(context.Background())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	p.Submit(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	<-started

	p.Stop()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task not cancelled")
	}
	p.Wait()

	if p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}) {
		t.Error("submit after stop should be rejected")
	}
}

func TestPool_FailuresAndPanics(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4}, zerolog.Nop())
	var results atomic.Int32
	p.OnResult = func(string, error) { results.Add(1) }
	p.Start(context.Background())
	defer p.Stop()

	p.Submit(Task{Name: "err", Run: func(context.Context) error { return errors.New("boom") }})
	p.Submit(Task{Name: "panic", Run: func(context.Context) error { panic("bad") }})
	p.Submit(Task{Name: "ok", Run: func(context.Context) error { return nil }})

	waitFor(t, func() bool { return results.Load() == 3 })
	done, failed := p.Stats()
	if done != 1 || failed != 2 {
		t.Errorf("done=%d failed=%d", done, failed)
	}
}
