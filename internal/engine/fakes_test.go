package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const waitTimeout = 2 * time.Second

// ignoredKind is never handled by the session; sending it flushes the pump
const ignoredKind interfaces.EventKind = 99

// fakeChannel is driven by the test. Events is unbuffered, so a send returns
// only once the session's pump has taken the event.
type fakeChannel struct {
	events  chan interfaces.Event
	closed  atomic.Bool
	closes  atomic.Int32
	endOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan interfaces.Event)}
}

func (c *fakeChannel) Events() <-chan interfaces.Event { return c.events }

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	c.closes.Inc()
	return nil
}

// deliver hands ev to the pump and waits until it has been applied
func (c *fakeChannel) deliver(t *testing.T, ev interfaces.Event) {
	t.Helper()
	c.send(t, ev)
	c.send(t, interfaces.Event{Kind: ignoredKind})
}

func (c *fakeChannel) send(t *testing.T, ev interfaces.Event) {
	t.Helper()
	select {
	case c.events <- ev:
	case <-time.After(waitTimeout):
		t.Fatalf("pump did not take %s event", ev.Kind)
	}
}

// end simulates the connection going away
func (c *fakeChannel) end() {
	c.endOnce.Do(func() { close(c.events) })
}

func (c *fakeChannel) progress(t *testing.T, stage string, fraction float64, msg string) {
	t.Helper()
	c.deliver(t, interfaces.Event{
		Kind:     interfaces.EventProgress,
		Progress: &models.ProgressEvent{Stage: stage, Fraction: fraction, Message: msg},
	})
}

func (c *fakeChannel) result(t *testing.T, r models.ResultEvent) {
	t.Helper()
	c.deliver(t, interfaces.Event{Kind: interfaces.EventResult, Result: &r})
}

// fakeDialer hands out channels in order and records every request
type fakeDialer struct {
	mu       sync.Mutex
	requests []models.GenerationRequest
	channels []*fakeChannel
	err      error
	onOpen   func()
}

func (d *fakeDialer) Open(_ context.Context, req models.GenerationRequest) (interfaces.Channel, error) {
	if d.onOpen != nil {
		d.onOpen()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDialer) channel(t *testing.T, i int) *fakeChannel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		t.Fatalf("channel %d was never opened", i)
	}
	return d.channels[i]
}

// recorder collects every snapshot a session publishes
type recorder struct {
	mu     sync.Mutex
	states []models.SessionState
	ch     chan models.SessionState
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan models.SessionState, 64)}
}

func (r *recorder) OnStateChange(st models.SessionState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
	r.ch <- st
}

func (r *recorder) next(t *testing.T) models.SessionState {
	t.Helper()
	select {
	case st := <-r.ch:
		return st
	case <-time.After(waitTimeout):
		t.Fatal("no state change observed")
		return models.SessionState{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case st := <-r.ch:
		t.Fatalf("unexpected state change to %s", st.Phase)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func mountainLake() models.GenerationRequest {
	req := models.DefaultRequest("mountain lake")
	req.TargetWidth, req.TargetHeight = 3840, 2160
	return req
}
