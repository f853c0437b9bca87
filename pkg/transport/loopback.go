package transport

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

const loopbackQueueDepth = 1024

// Fabric connects a set of in-process endpoints. Each (src, dst) pair gets its
// own delivery queue and pump goroutine, preserving the per-pair FIFO the
// transport contract promises while letting pairs progress independently.
type Fabric struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Loopback
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{nodes: make(map[types.NodeID]*Loopback)}
}

// Node returns the endpoint for the given node, creating it on first use.
func (f *Fabric) Node(id types.NodeID) *Loopback {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.nodes[id]; ok {
		return t
	}
	t := &Loopback{
		node:   id,
		fabric: f,
		links:  make(map[types.NodeID]chan *wire.Envelope),
	}
	f.nodes[id] = t
	return t
}

func (f *Fabric) lookup(id types.NodeID) (*Loopback, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.nodes[id]
	return t, ok
}

// Loopback is one node's endpoint on an in-process fabric.
type Loopback struct {
	node   types.NodeID
	fabric *Fabric

	mu      sync.Mutex
	handler Handler
	links   map[types.NodeID]chan *wire.Envelope
	closed  bool
	wg      sync.WaitGroup
}

// LocalNode returns the node this endpoint belongs to.
func (t *Loopback) LocalNode() types.NodeID { return t.node }

// SetHandler installs the delivery handler. Must be called before any peer
// sends to this node.
func (t *Loopback) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send queues one envelope for dst.
func (t *Loopback) Send(dst types.NodeID, env *wire.Envelope, mode PayloadMode) error {
	if mode == PayloadCopy {
		env = env.Clone()
	}
	env.From = t.node

	link, err := t.link(dst)
	if err != nil {
		return err
	}
	link <- env
	return nil
}

// Broadcast sends the envelope to every destination. Each destination gets its
// own copy regardless of mode, since deliveries proceed concurrently.
func (t *Loopback) Broadcast(dsts []types.NodeID, env *wire.Envelope, mode PayloadMode) error {
	for _, dst := range dsts {
		if err := t.Send(dst, env, PayloadCopy); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the endpoint's pump goroutines after draining queued envelopes.
func (t *Loopback) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, link := range t.links {
		close(link)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

func (t *Loopback) link(dst types.NodeID) (chan *wire.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("loopback endpoint %d is closed", t.node)
	}
	if link, ok := t.links[dst]; ok {
		return link, nil
	}

	link := make(chan *wire.Envelope, loopbackQueueDepth)
	t.links[dst] = link
	t.wg.Add(1)
	go t.pump(dst, link)
	return link, nil
}

func (t *Loopback) pump(dst types.NodeID, link chan *wire.Envelope) {
	defer t.wg.Done()
	logger := log.WithComponent("transport")

	for env := range link {
		peer, ok := t.fabric.lookup(dst)
		if !ok {
			logger.Error().Uint16("dst", uint16(dst)).Str("kind", env.Kind()).
				Msg("dropping envelope for unknown node")
			continue
		}
		peer.deliver(env)
	}
}

func (t *Loopback) deliver(env *wire.Envelope) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	if h == nil {
		panic(fmt.Sprintf("envelope delivered to node %d before a handler was set", t.node))
	}
	h(env)
}
