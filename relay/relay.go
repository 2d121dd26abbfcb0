// Package relay is the core's boundary with the Nostr-style relay network
// (SPEC_FULL.md §4.4): publishing events, subscribing to filters, and the
// publish-and-confirm semantics welcomes/call-signals/group-messages need.
// The wire protocol (NIP-01 REQ/EVENT framing, relay selection) is an
// external collaborator; this package names the Client boundary and ships
// a LoopbackClient so the daemon and control plane can be exercised
// without a live relay — generalized from the teacher's
// transport.MultiTransport registry-of-backends shape (transport/multi_transport.go)
// to "registry of relay URLs this client publishes to and reads from."
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pika-msg/pika-core/nostrevt"
	"github.com/sirupsen/logrus"
)

// FetchConfirmTimeout is the bound on fetch_events_from confirmation after
// a publish-and-confirm send, per SPEC_FULL.md §5.
const FetchConfirmTimeout = 5 * time.Second

var (
	ErrPublishFailed      = errors.New("relay: publish failed on every configured relay")
	ErrConfirmTimeout     = errors.New("relay: publish-and-confirm timed out without observing the event echoed back")
	ErrNoRelaysConfigured = errors.New("relay: no relays configured")
)

// Client is the set of relay operations the daemon and control plane
// depend on.
type Client interface {
	// SendEventTo publishes ev to the given relay URLs, best-effort: it
	// returns nil as soon as at least one relay accepts it.
	SendEventTo(ctx context.Context, relays []string, ev nostrevt.Event) error

	// FetchEventsFrom fetches events matching filter from the given relay
	// URLs, honoring ctx's deadline.
	FetchEventsFrom(ctx context.Context, relays []string, filter nostrevt.Filter) ([]nostrevt.Event, error)

	// Subscribe opens a long-lived subscription against filter across
	// relays, delivering matching events on the returned channel until
	// ctx is canceled.
	Subscribe(ctx context.Context, relays []string, filter nostrevt.Filter) (<-chan nostrevt.Event, error)
}

// PublishKeyPackage is best-effort per SPEC_FULL.md §4.4: no fetch-back
// confirmation is required.
func PublishKeyPackage(ctx context.Context, c Client, relays []string, ev nostrevt.Event) error {
	return c.SendEventTo(ctx, relays, ev)
}

// PublishAndConfirm implements the publish-and-confirm semantics required
// for welcome giftwraps, call signals, and group messages: send, then
// fetch the same event id back from at least one relay within
// FetchConfirmTimeout.
func PublishAndConfirm(ctx context.Context, c Client, relays []string, ev nostrevt.Event) error {
	if len(relays) == 0 {
		return ErrNoRelaysConfigured
	}
	if err := c.SendEventTo(ctx, relays, ev); err != nil {
		return ErrPublishFailed
	}

	confirmCtx, cancel := context.WithTimeout(ctx, FetchConfirmTimeout)
	defer cancel()

	found, err := c.FetchEventsFrom(confirmCtx, relays, nostrevt.Filter{IDs: []string{ev.ID}})
	if err != nil {
		return ErrConfirmTimeout
	}
	for _, f := range found {
		if f.ID == ev.ID {
			return nil
		}
	}
	return ErrConfirmTimeout
}

// SeenSet is a bounded, mutex-protected sliding window of recently seen
// event ids, used by the daemon's GiftWrap/group-message dedup (size
// 8,192). The control plane does not use it and keeps no event-id window.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewSeenSet constructs a SeenSet holding at most capacity ids, evicting
// the oldest on overflow (FIFO).
func NewSeenSet(capacity int) *SeenSet {
	return &SeenSet{capacity: capacity, seen: make(map[string]struct{}, capacity)}
}

// CheckAndAdd reports whether id was already seen; if not, it is recorded.
func (s *SeenSet) CheckAndAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	return false
}

// LoopbackClient is an in-process Client: every publish is delivered
// synchronously to every active Subscribe channel whose filter matches,
// and FetchEventsFrom searches a retained log. It exists for daemon and
// control-plane tests that need a Client without a live relay connection.
type LoopbackClient struct {
	mu   sync.Mutex
	log  []nostrevt.Event
	subs []loopbackSub
	log_ *logrus.Entry
}

type loopbackSub struct {
	filter nostrevt.Filter
	ch     chan nostrevt.Event
}

// NewLoopbackClient constructs an empty LoopbackClient.
func NewLoopbackClient() *LoopbackClient {
	return &LoopbackClient{log_: logrus.WithField("component", "relay.LoopbackClient")}
}

func (c *LoopbackClient) SendEventTo(_ context.Context, _ []string, ev nostrevt.Event) error {
	c.mu.Lock()
	c.log = append(c.log, ev)
	subs := append([]loopbackSub(nil), c.subs...)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.filter.Matches(ev) {
			select {
			case sub.ch <- ev:
			default:
				c.log_.WithField("event_id", ev.ID).Warn("dropped loopback delivery: subscriber channel full")
			}
		}
	}
	return nil
}

func (c *LoopbackClient) FetchEventsFrom(_ context.Context, _ []string, filter nostrevt.Filter) ([]nostrevt.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []nostrevt.Event
	for _, ev := range c.log {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *LoopbackClient) Subscribe(ctx context.Context, _ []string, filter nostrevt.Filter) (<-chan nostrevt.Event, error) {
	ch := make(chan nostrevt.Event, 64)
	c.mu.Lock()
	c.subs = append(c.subs, loopbackSub{filter: filter, ch: ch})
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub.ch == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}
