package notification

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"flowscanner/internal/model"
)

type eventKind int

const (
	evAlert eventKind = iota
	evSnapshot
	evLiveness
	evFeedError
	evFeedConnected
)

type event struct {
	kind  eventKind
	alert model.Alert
	snaps map[string]model.StateSnapshot
	msg   string
}

type outlet struct {
	name string
	sink model.Sink
	ch   chan event
}

// Fanout is a model.Sink that copies every event to a set of sinks, each
// drained by its own goroutine through a bounded queue. A full queue drops
// the event for that sink only, so a slow webhook never stalls ingest.
type Fanout struct {
	outs   []*outlet
	buffer int
	log    zerolog.Logger

	// OnDrop observes every dropped event, for metrics.
	OnDrop func(sink string)
}

// NewFanout creates a fan-out whose per-sink queues hold buffer events.
func NewFanout(buffer int, log zerolog.Logger) *Fanout {
	if buffer <= 0 {
		buffer = 256
	}
	return &Fanout{buffer: buffer, log: log}
}

// Add registers a sink. Call before Run.
func (f *Fanout) Add(name string, s model.Sink) {
	f.outs = append(f.outs, &outlet{name: name, sink: s, ch: make(chan event, f.buffer)})
}

// Sinks returns the registered sink names.
func (f *Fanout) Sinks() []string {
	names := make([]string, len(f.outs))
	for i, o := range f.outs {
		names[i] = o.name
	}
	return names
}

// Run drains every queue until ctx is cancelled, then delivers what is
// already queued and returns.
func (f *Fanout) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, o := range f.outs {
		wg.Add(1)
		go func(o *outlet) {
			defer wg.Done()
			f.drain(ctx, o)
		}(o)
	}
	wg.Wait()
	return nil
}

func (f *Fanout) drain(ctx context.Context, o *outlet) {
	for {
		select {
		case ev := <-o.ch:
			f.deliver(o, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-o.ch:
					f.deliver(o, ev)
				default:
					return
				}
			}
		}
	}
}

func (f *Fanout) deliver(o *outlet, ev event) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Str("sink", o.name).Interface("panic", r).Msg("sink panicked")
		}
	}()
	switch ev.kind {
	case evAlert:
		o.sink.OnAlert(ev.alert)
	case evSnapshot:
		o.sink.OnStateSnapshot(ev.snaps)
	case evLiveness:
		o.sink.OnLivenessTick()
	case evFeedError:
		o.sink.OnFeedError(ev.msg)
	case evFeedConnected:
		o.sink.OnFeedConnected()
	}
}

func (f *Fanout) publish(ev event) {
	for _, o := range f.outs {
		select {
		case o.ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(o.name)
			}
			f.log.Debug().Str("sink", o.name).Int("kind", int(ev.kind)).Msg("sink queue full, event dropped")
		}
	}
}

func (f *Fanout) OnAlert(a model.Alert) { f.publish(event{kind: evAlert, alert: a}) }

// OnStateSnapshot shares snaps between sinks; sinks must not mutate it.
func (f *Fanout) OnStateSnapshot(snaps map[string]model.StateSnapshot) {
	f.publish(event{kind: evSnapshot, snaps: snaps})
}

func (f *Fanout) OnLivenessTick()        { f.publish(event{kind: evLiveness}) }
func (f *Fanout) OnFeedError(msg string) { f.publish(event{kind: evFeedError, msg: msg}) }
func (f *Fanout) OnFeedConnected()       { f.publish(event{kind: evFeedConnected}) }
