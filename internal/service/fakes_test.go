package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/port"
)

// fakeStream is a buffered in-memory port.Stream.
type fakeStream struct {
	topic   domain.Topic
	mu      sync.Mutex
	closed  bool
	ch      chan port.StreamMessage
	onClose func()
}

func (s *fakeStream) Events() <-chan port.StreamMessage { return s.ch }

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *fakeStream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	s.onClose()
}

// send pushes msg and ends the stream after a terminal message.
func (s *fakeStream) send(msg port.StreamMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- msg
	if msg.Kind != port.StreamNext {
		s.closeLocked()
	}
	return true
}

// fakeUpstream records opens and flags any topic with two streams open at once.
type fakeUpstream struct {
	mu         sync.Mutex
	fail       map[domain.Topic]error
	active     map[domain.Topic]int
	opens      map[domain.Topic]int
	streams    map[domain.Topic][]*fakeStream
	violations []domain.Topic
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		fail:    map[domain.Topic]error{},
		active:  map[domain.Topic]int{},
		opens:   map[domain.Topic]int{},
		streams: map[domain.Topic][]*fakeStream{},
	}
}

func (u *fakeUpstream) Open(ctx context.Context, topic domain.Topic) (port.Stream, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.fail[topic]; err != nil {
		return nil, err
	}
	u.opens[topic]++
	u.active[topic]++
	if u.active[topic] > 1 {
		u.violations = append(u.violations, topic)
	}
	s := &fakeStream{topic: topic, ch: make(chan port.StreamMessage, 16)}
	s.onClose = func() {
		u.mu.Lock()
		u.active[topic]--
		u.mu.Unlock()
	}
	u.streams[topic] = append(u.streams[topic], s)
	return s, nil
}

// latest returns the newest stream for topic.
func (u *fakeUpstream) latest(topic domain.Topic) *fakeStream {
	u.mu.Lock()
	defer u.mu.Unlock()
	ss := u.streams[topic]
	if len(ss) == 0 {
		return nil
	}
	return ss[len(ss)-1]
}

func (u *fakeUpstream) activeCount(topic domain.Topic) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active[topic]
}

type dispatchCall struct {
	Topic domain.Topic
	Dests []domain.Destination
	Event domain.RawEvent
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, topic domain.Topic, dests domain.DestinationSet, ev domain.RawEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{Topic: topic, Dests: dests.Slice(), Event: ev})
}

func (d *recordingDispatcher) snapshot() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

type EnricherMock struct {
	LookupFunc func(ctx context.Context, key string) (domain.Enrichment, error)
}

func (m *EnricherMock) Lookup(ctx context.Context, key string) (domain.Enrichment, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, key)
	}
	return domain.Enrichment{Name: "name-" + key}, nil
}

type RendererMock struct {
	RenderFunc func(ev domain.EnrichedEvent) domain.Notification
}

func (m *RendererMock) Render(ev domain.EnrichedEvent) domain.Notification {
	if m.RenderFunc != nil {
		return m.RenderFunc(ev)
	}
	return domain.Notification{Title: fmt.Sprintf("%s %s", ev.Event.TxType, ev.Enrichment.Name)}
}

type handle struct{ dest domain.Destination }

func (h handle) Destination() domain.Destination { return h.dest }

type delivery struct {
	Dest         domain.Destination
	Notification domain.Notification
}

// DelivererMock records successful deliveries.
type DelivererMock struct {
	ResolveFunc func(ctx context.Context, dest domain.Destination) (port.Handle, error)
	DeliverFunc func(ctx context.Context, h port.Handle, n domain.Notification) error

	mu        sync.Mutex
	resolves  int
	delivered []delivery
}

func (m *DelivererMock) Resolve(ctx context.Context, dest domain.Destination) (port.Handle, error) {
	m.mu.Lock()
	m.resolves++
	m.mu.Unlock()
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, dest)
	}
	return handle{dest: dest}, nil
}

func (m *DelivererMock) Deliver(ctx context.Context, h port.Handle, n domain.Notification) error {
	if m.DeliverFunc != nil {
		if err := m.DeliverFunc(ctx, h, n); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, delivery{Dest: h.Destination(), Notification: n})
	return nil
}

func (m *DelivererMock) deliveries() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery(nil), m.delivered...)
}

func (m *DelivererMock) resolveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolves
}
