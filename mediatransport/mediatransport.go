// Package mediatransport implements the shared media-relay handle registry
// described in SPEC_FULL.md §4.2/§5: a process-wide, mutex-protected map of
// reference-counted transport handles keyed by endpoint, so calls reuse a
// connection instead of reconnecting per call. The registry pattern is
// grounded on the teacher's transport.MultiTransport network-type registry
// (transport/multi_transport.go); this package narrows that idea from
// "which network stack for this address" to "which broadcast-path handle
// for this media-relay endpoint."
//
// Two concrete handle kinds exist: an in-memory handle (Go channels, used
// by tests and single-process demos) and a network handle over
// github.com/coder/websocket framing MoQ-style broadcast/track frames as
// JSON control messages. Both satisfy the same Handle interface so the
// call orchestrator never distinguishes them.
package mediatransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Frame is the MoQ-style media relay frame from SPEC_FULL.md §6.
type Frame struct {
	Seq         uint64 `json:"seq"`
	TimestampUs int64  `json:"timestamp_us"`
	Keyframe    bool   `json:"keyframe"`
	Payload     []byte `json:"payload"`
}

// NewFrame builds a Frame with the spec's timestamp derivation:
// timestamp_us = seq * frame_ms * 1000.
func NewFrame(seq uint64, frameMs int, keyframe bool, payload []byte) Frame {
	return Frame{Seq: seq, TimestampUs: int64(seq) * int64(frameMs) * 1000, Keyframe: keyframe, Payload: payload}
}

// Unsubscribe releases a subscription obtained from Track.Subscribe.
type Unsubscribe func()

// Track is one named stream within a broadcast path.
type Track interface {
	Publish(frame Frame) error
	Subscribe() (<-chan Frame, Unsubscribe, error)
}

// Broadcast is a publisher's namespace (spec.md §6:
// broadcast_path = base + "/" + opaque_participant_label).
type Broadcast interface {
	Track(name string) Track
}

// Handle is a shared, reference-counted connection to one media-relay
// endpoint.
type Handle interface {
	Broadcast(path string) Broadcast
	Close() error
}

// Pool is the process-wide registry of shared transport handles.
type Pool struct {
	mu      sync.Mutex
	memory  map[string]*pooledHandle // keyed by moq_url|broadcast_base
	network map[string]*pooledHandle // keyed by moq_url alone — one connection serves multiple broadcasts
	logger  *logrus.Entry
}

type pooledHandle struct {
	handle   Handle
	refCount int
}

// NewPool constructs an empty transport pool.
func NewPool() *Pool {
	return &Pool{
		memory:  make(map[string]*pooledHandle),
		network: make(map[string]*pooledHandle),
		logger:  logrus.WithField("component", "mediatransport"),
	}
}

// AcquireMemory returns the shared in-memory handle for (moqURL,
// broadcastBase), creating it on first use. release() must be called
// exactly once when the caller is done with the handle.
func (p *Pool) AcquireMemory(moqURL, broadcastBase string) (Handle, func(), error) {
	key := moqURL + "|" + broadcastBase
	p.mu.Lock()
	defer p.mu.Unlock()

	ph, ok := p.memory[key]
	if !ok {
		ph = &pooledHandle{handle: newMemoryHandle()}
		p.memory[key] = ph
		p.logger.WithField("key", key).Debug("created new in-memory media transport handle")
	}
	ph.refCount++
	return ph.handle, p.releaseFunc(p.memory, key), nil
}

// AcquireNetwork returns the shared websocket handle for moqURL, dialing on
// first use. A single network connection serves multiple broadcasts under
// the same moqURL, per SPEC_FULL.md §5.
func (p *Pool) AcquireNetwork(ctx context.Context, moqURL string) (Handle, func(), error) {
	p.mu.Lock()
	ph, ok := p.network[moqURL]
	if ok {
		ph.refCount++
		p.mu.Unlock()
		return ph.handle, p.releaseFunc(p.network, moqURL), nil
	}
	p.mu.Unlock()

	h, err := dialNetworkHandle(ctx, moqURL)
	if err != nil {
		return nil, nil, fmt.Errorf("mediatransport: dial %s: %w", moqURL, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.network[moqURL]; ok {
		// Lost a race with a concurrent dial; keep the winner, drop ours.
		_ = h.Close()
		existing.refCount++
		return existing.handle, p.releaseFunc(p.network, moqURL), nil
	}
	ph = &pooledHandle{handle: h, refCount: 1}
	p.network[moqURL] = ph
	p.logger.WithField("moq_url", moqURL).Info("dialed new network media transport handle")
	return ph.handle, p.releaseFunc(p.network, moqURL), nil
}

func (p *Pool) releaseFunc(registry map[string]*pooledHandle, key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			ph, ok := registry[key]
			if !ok {
				return
			}
			ph.refCount--
			if ph.refCount <= 0 {
				_ = ph.handle.Close()
				delete(registry, key)
				p.logger.WithField("key", key).Debug("closed idle media transport handle")
			}
		})
	}
}

// --- in-memory handle -------------------------------------------------

type memoryHandle struct {
	mu         sync.Mutex
	broadcasts map[string]*memoryBroadcast
}

func newMemoryHandle() *memoryHandle {
	return &memoryHandle{broadcasts: make(map[string]*memoryBroadcast)}
}

func (h *memoryHandle) Broadcast(path string) Broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.broadcasts[path]
	if !ok {
		b = &memoryBroadcast{tracks: make(map[string]*memoryTrack)}
		h.broadcasts[path] = b
	}
	return b
}

func (h *memoryHandle) Close() error { return nil }

type memoryBroadcast struct {
	mu     sync.Mutex
	tracks map[string]*memoryTrack
}

func (b *memoryBroadcast) Track(name string) Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tracks[name]
	if !ok {
		t = &memoryTrack{}
		b.tracks[name] = t
	}
	return t
}

type memoryTrack struct {
	mu   sync.Mutex
	subs []chan Frame
}

func (t *memoryTrack) Publish(frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub <- frame:
		default:
			// Slow subscriber: drop rather than block the publisher, matching
			// "no lock held across a suspension point" (SPEC_FULL.md §5).
		}
	}
	return nil
}

func (t *memoryTrack) Subscribe() (<-chan Frame, Unsubscribe, error) {
	ch := make(chan Frame, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	unsub := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.subs {
			if sub == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub, nil
}

// --- network (websocket) handle ----------------------------------------

type wireMessage struct {
	Op        string `json:"op"` // "publish" | "frame"
	Broadcast string `json:"broadcast"`
	Track     string `json:"track"`
	Frame     Frame  `json:"frame"`
}

type networkHandle struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	broadcasts map[string]*networkBroadcast
	writeMu    sync.Mutex
}

func dialNetworkHandle(ctx context.Context, moqURL string) (*networkHandle, error) {
	conn, _, err := websocket.Dial(ctx, moqURL, nil)
	if err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithCancel(context.Background())
	h := &networkHandle{conn: conn, ctx: readCtx, cancel: cancel, broadcasts: make(map[string]*networkBroadcast)}
	go h.readLoop()
	return h, nil
}

func (h *networkHandle) readLoop() {
	for {
		_, data, err := h.conn.Read(h.ctx)
		if err != nil {
			return
		}
		var msg wireMessage
		if json.Unmarshal(data, &msg) != nil || msg.Op != "frame" {
			continue
		}
		h.mu.Lock()
		b, ok := h.broadcasts[msg.Broadcast]
		h.mu.Unlock()
		if !ok {
			continue
		}
		b.deliver(msg.Track, msg.Frame)
	}
}

func (h *networkHandle) Broadcast(path string) Broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.broadcasts[path]
	if !ok {
		b = &networkBroadcast{path: path, parent: h, tracks: make(map[string]*networkTrack)}
		h.broadcasts[path] = b
	}
	return b
}

func (h *networkHandle) Close() error {
	h.cancel()
	return h.conn.Close(websocket.StatusNormalClosure, "done")
}

func (h *networkHandle) send(msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.Write(h.ctx, websocket.MessageText, payload)
}

type networkBroadcast struct {
	path   string
	parent *networkHandle

	mu     sync.Mutex
	tracks map[string]*networkTrack
}

func (b *networkBroadcast) Track(name string) Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tracks[name]
	if !ok {
		t = &networkTrack{broadcast: b.path, name: name, parent: b.parent}
		b.tracks[name] = t
	}
	return t
}

func (b *networkBroadcast) deliver(track string, frame Frame) {
	b.mu.Lock()
	t, ok := b.tracks[track]
	b.mu.Unlock()
	if ok {
		t.deliver(frame)
	}
}

type networkTrack struct {
	broadcast string
	name      string
	parent    *networkHandle

	mu   sync.Mutex
	subs []chan Frame
}

func (t *networkTrack) Publish(frame Frame) error {
	return t.parent.send(wireMessage{Op: "publish", Broadcast: t.broadcast, Track: t.name, Frame: frame})
}

func (t *networkTrack) Subscribe() (<-chan Frame, Unsubscribe, error) {
	ch := make(chan Frame, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	unsub := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.subs {
			if sub == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub, nil
}

func (t *networkTrack) deliver(frame Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub <- frame:
		default:
		}
	}
}

// ErrUnknownEndpointKind is returned by helpers that dispatch on a
// caller-supplied transport kind string outside {"memory","network"}.
var ErrUnknownEndpointKind = errors.New("mediatransport: unknown endpoint kind")
