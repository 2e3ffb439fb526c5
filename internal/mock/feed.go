package mock

import (
	"context"
	"sync"
)

// Feed is a scriptable core.MarketDataConn: tests push canonical market data
// variants and the engine consumes them like a live feed.
type Feed struct {
	mu         sync.Mutex
	subscribed []string
	events     chan interface{}
}

// NewFeed builds a feed with a buffered event channel.
func NewFeed(buffer int) *Feed {
	return &Feed{events: make(chan interface{}, buffer)}
}

func (f *Feed) Subscribe(_ context.Context, globalSymbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, globalSymbols...)
	return nil
}

func (f *Feed) Events() <-chan interface{} { return f.events }

// Push delivers one event to the consumer.
func (f *Feed) Push(event interface{}) { f.events <- event }

// Close ends the event stream.
func (f *Feed) Close() { close(f.events) }

// Subscribed lists every symbol passed to Subscribe.
func (f *Feed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}
