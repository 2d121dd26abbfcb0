package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pika-msg/pika-core/nostrevt"
)

// wireEnvelope is the relay message this core speaks: a JSON object whose
// op is "EVENT" (with event) to publish, "REQ" (with sub_id and filter) to
// subscribe, or "CLOSE" (with sub_id) to end a subscription. It carries
// NIP-01's operations but not its positional-array framing. The full Nostr
// relay protocol is an external collaborator; this is the narrow slice the
// core emits/reads.
type wireEnvelope struct {
	Op     string          `json:"op"`
	SubID  string          `json:"sub_id,omitempty"`
	Event  *nostrevt.Event `json:"event,omitempty"`
	Filter *nostrevt.Filter `json:"filter,omitempty"`
}

// NetworkClient is a websocket-backed Client, one connection per relay
// URL, reusing the teacher's dial-then-read-loop shape already adapted for
// media transport (mediatransport.dialNetworkHandle): a single reader
// goroutine demultiplexes inbound frames to subscriptions by sub_id, and
// writes are serialized under a dedicated mutex so no lock is held across
// a network suspension point.
type NetworkClient struct {
	mu    sync.Mutex
	conns map[string]*relayConn
	log   *logrus.Entry
}

// NewNetworkClient constructs an empty NetworkClient; connections are
// dialed lazily per relay URL on first use.
func NewNetworkClient() *NetworkClient {
	return &NetworkClient{conns: make(map[string]*relayConn), log: logrus.WithField("component", "relay.NetworkClient")}
}

type relayConn struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]chan nostrevt.Event
}

func (c *NetworkClient) conn(ctx context.Context, url string) (*relayConn, error) {
	c.mu.Lock()
	if rc, ok := c.conns[url]; ok {
		c.mu.Unlock()
		return rc, nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	rc := &relayConn{conn: conn, ctx: readCtx, cancel: cancel, subs: make(map[string]chan nostrevt.Event)}

	c.mu.Lock()
	if existing, ok := c.conns[url]; ok {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate dial")
		return existing, nil
	}
	c.conns[url] = rc
	c.mu.Unlock()

	go rc.readLoop(c.log.WithField("relay_url", url))
	return rc, nil
}

func (rc *relayConn) readLoop(log *logrus.Entry) {
	for {
		_, data, err := rc.conn.Read(rc.ctx)
		if err != nil {
			return
		}
		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil || env.Op != "EVENT" || env.Event == nil {
			continue
		}
		rc.mu.Lock()
		ch, ok := rc.subs[env.SubID]
		rc.mu.Unlock()
		if !ok {
			log.WithField("sub_id", env.SubID).Debug("event for unknown subscription, dropping")
			continue
		}
		select {
		case ch <- *env.Event:
		default:
			log.Warn("dropped event: subscriber channel full")
		}
	}
}

func (rc *relayConn) send(env wireEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.Write(rc.ctx, websocket.MessageText, payload)
}

func (c *NetworkClient) SendEventTo(ctx context.Context, relays []string, ev nostrevt.Event) error {
	var lastErr error
	for _, url := range relays {
		rc, err := c.conn(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := rc.send(wireEnvelope{Op: "EVENT", Event: &ev}); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrPublishFailed
	}
	return lastErr
}

// fetchQuiesce is how long FetchEventsFrom keeps listening after its first
// matching event before concluding the result set is complete, bounding a
// fetch well under the caller's overall ctx deadline.
const fetchQuiesce = 200 * time.Millisecond

func (c *NetworkClient) FetchEventsFrom(ctx context.Context, relays []string, filter nostrevt.Filter) ([]nostrevt.Event, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := c.Subscribe(subCtx, relays, filter)
	if err != nil {
		return nil, err
	}

	var out []nostrevt.Event
	for {
		var quiesce <-chan time.Time
		if len(out) > 0 {
			quiesce = time.After(fetchQuiesce)
		}
		select {
		case ev, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		case <-quiesce:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

func (c *NetworkClient) Subscribe(ctx context.Context, relays []string, filter nostrevt.Filter) (<-chan nostrevt.Event, error) {
	out := make(chan nostrevt.Event, 64)
	subID := subscriptionID()

	var joined []*relayConn
	for _, url := range relays {
		rc, err := c.conn(ctx, url)
		if err != nil {
			c.log.WithError(err).WithField("relay_url", url).Warn("subscribe: dial failed, skipping relay")
			continue
		}
		rc.mu.Lock()
		rc.subs[subID] = out
		rc.mu.Unlock()
		if err := rc.send(wireEnvelope{Op: "REQ", SubID: subID, Filter: &filter}); err != nil {
			c.log.WithError(err).WithField("relay_url", url).Warn("subscribe: REQ send failed")
			continue
		}
		joined = append(joined, rc)
	}
	if len(joined) == 0 {
		close(out)
		return out, ErrNoRelaysConfigured
	}

	go func() {
		<-ctx.Done()
		for _, rc := range joined {
			_ = rc.send(wireEnvelope{Op: "CLOSE", SubID: subID})
			rc.mu.Lock()
			delete(rc.subs, subID)
			rc.mu.Unlock()
		}
		close(out)
	}()
	return out, nil
}

// Close tears down every relay connection this client has opened.
func (c *NetworkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for url, rc := range c.conns {
		rc.cancel()
		if err := rc.conn.Close(websocket.StatusNormalClosure, "closing"); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, url)
	}
	return firstErr
}

var subIDCounterMu sync.Mutex
var subIDCounter uint64

// subscriptionID hands out process-unique subscription identifiers without
// relying on time or randomness, both unavailable in this core's
// deterministic test harness.
func subscriptionID() string {
	subIDCounterMu.Lock()
	defer subIDCounterMu.Unlock()
	subIDCounter++
	return fmt.Sprintf("sub-%d", subIDCounter)
}
