package testutil

import (
	"context"
	"slices"
	"sync"

	"arcstore/internal/arc"
)

// Delivery is one recorded Notify call.
type Delivery struct {
	Event  arc.Event
	Filter arc.Filter
}

// RecordingNotifier records every event instead of delivering it.
type RecordingNotifier struct {
	mu        sync.Mutex
	delivered []Delivery
	closed    []string
}

var _ arc.Notifier = (*RecordingNotifier)(nil)

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Notify(ctx context.Context, event arc.Event, filter arc.Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, Delivery{Event: event, Filter: filter})
}

func (n *RecordingNotifier) CloseByURL(ctx context.Context, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, url)
}

// Deliveries returns every recorded call in order.
func (n *RecordingNotifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.delivered)
}

// To returns the deliveries on url that would reach user.
func (n *RecordingNotifier) To(url, user string) []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Delivery
	for _, d := range n.delivered {
		if d.Filter.URL != url {
			continue
		}
		if len(d.Filter.Users) > 0 && !slices.Contains(d.Filter.Users, user) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Closed returns the URLs passed to CloseByURL.
func (n *RecordingNotifier) Closed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.closed)
}

// Reset forgets everything recorded so far.
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = nil
	n.closed = nil
}
