package feed

import (
	"context"
	"strings"
)

// MockSource is an in-memory Source for tests and demos.
type MockSource struct {
	events    chan Event
	subSymbol string
	connected bool
	cancel    context.CancelFunc
}

func NewMockSource() *MockSource {
	return &MockSource{
		events:    make(chan Event, 64),
		connected: true,
	}
}

func (m *MockSource) Run(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.events <- StatusEvent(m.connected)
	<-ctx.Done()
}

func (m *MockSource) Subscribe(symbol string) error {
	m.subSymbol = strings.ToUpper(strings.TrimSpace(symbol))
	return nil
}

func (m *MockSource) Unsubscribe()         { m.subSymbol = "" }
func (m *MockSource) Events() <-chan Event { return m.events }
func (m *MockSource) Subscribed() string   { return m.subSymbol }

func (m *MockSource) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	close(m.events)
}

// Emit pushes an arbitrary event, for tests.
func (m *MockSource) Emit(ev Event) { m.events <- ev }
