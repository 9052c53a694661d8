// Package flood implements the flooding packet manager: per-origin
// sequenced broadcast dissemination across neighbor links, with exactly-once
// local delivery and re-broadcast to every neighbor but the sender.
package flood

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/wire"
	"github.com/sirupsen/logrus"
)

// seenCacheSize bounds the out-of-order dedup cache: (origin, seq) pairs
// that arrive ahead of an origin's contiguous frontier are remembered here
// until the frontier catches up to them or they age out.
const seenCacheSize = 4096

// Handler processes one flooded packet's payload, given the originating
// peer and the sequence number it was flooded under.
type Handler func(origin peerid.PeerId, seq uint32, body []byte)

// Transmit sends a raw packet to a single neighbor's routing metadata
// connection. The Router supplies this.
type Transmit func(neighbor peerid.PeerId, body []byte) error

// Neighbors returns the current neighbor set to flood to. The Router
// supplies this.
type Neighbors func() []peerid.PeerId

// Stats reports cumulative counters for diagnostics.
type Stats struct {
	Originated       uint64
	Delivered        uint64
	DuplicateDropped uint64
}

type originSeen struct {
	mu         sync.Mutex
	contiguous uint32 // highest seq such that 1..contiguous have all been seen
}

// Manager is the flooding packet manager for one local node.
type Manager struct {
	self      peerid.PeerId
	transmit  Transmit
	neighbors Neighbors

	nextSeq uint32 // local origin's next sequence to assign, atomic

	mu       sync.Mutex
	handlers map[uint16][]Handler
	origins  map[peerid.PeerId]*originSeen
	outOfOrderSeen *lru.Cache[string, struct{}]

	originated       atomic.Uint64
	delivered        atomic.Uint64
	duplicateDropped atomic.Uint64
}

// NewManager constructs a flooding packet manager for self. transmit sends
// a fully-framed FloodingEnvelope body to one neighbor; neighbors lists the
// current neighbor set.
func NewManager(self peerid.PeerId, transmit Transmit, neighbors Neighbors) *Manager {
	cache, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which seenCacheSize
		// never is.
		panic(fmt.Sprintf("flood: failed to allocate dedup cache: %v", err))
	}
	return &Manager{
		self:           self,
		transmit:       transmit,
		neighbors:      neighbors,
		handlers:       make(map[uint16][]Handler),
		origins:        make(map[peerid.PeerId]*originSeen),
		outOfOrderSeen: cache,
	}
}

// RegisterHandler adds handler to the list invoked for packets tagged tag,
// in registration order. More than one handler per tag is allowed.
func (m *Manager) RegisterHandler(tag uint16, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tag] = append(m.handlers[tag], handler)
}

// Flood assigns the next sequence number under the local PeerId and sends
// the envelope to every current neighbor.
func (m *Manager) Flood(tag uint16, body []byte) {
	seq := atomic.AddUint32(&m.nextSeq, 1)
	m.originated.Add(1)

	env := wire.FloodingEnvelope{Origin: m.self, Sequence: seq, InnerTag: tag, InnerBody: body}
	payload := env.Marshal()

	for _, n := range m.neighbors() {
		if err := m.transmit(n, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "flood.Manager",
				"neighbor":  n.String(),
				"seq":       seq,
				"error":     err,
			}).Warn("failed to transmit flooded packet")
		}
	}
}

// Receive processes a FloodingEnvelope arriving from sender. Duplicates are
// dropped silently; fresh packets are dispatched to local handlers and
// re-broadcast to every neighbor other than sender.
func (m *Manager) Receive(sender peerid.PeerId, env wire.FloodingEnvelope) {
	if m.isDuplicate(env.Origin, env.Sequence) {
		m.duplicateDropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"component": "flood.Manager",
			"origin":    env.Origin.String(),
			"seq":       env.Sequence,
		}).Debug("dropped duplicate flooded packet")
		return
	}

	m.delivered.Add(1)
	m.dispatch(env.Origin, env.Sequence, env.InnerTag, env.InnerBody)
	m.rebroadcast(sender, env)
}

func (m *Manager) dispatch(origin peerid.PeerId, seq uint32, tag uint16, body []byte) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers[tag]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(origin, seq, body)
	}
}

func (m *Manager) rebroadcast(sender peerid.PeerId, env wire.FloodingEnvelope) {
	payload := env.Marshal()
	for _, n := range m.neighbors() {
		if n == sender {
			continue
		}
		if err := m.transmit(n, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "flood.Manager",
				"neighbor":  n.String(),
				"origin":    env.Origin.String(),
				"seq":       env.Sequence,
				"error":     err,
			}).Warn("failed to re-broadcast flooded packet")
		}
	}
}

// isDuplicate reports whether (origin, seq) has already been seen, and
// records it as seen if not. The per-origin contiguous frontier advances
// eagerly past any already-cached out-of-order sequences.
func (m *Manager) isDuplicate(origin peerid.PeerId, seq uint32) bool {
	st := m.originFor(origin)
	st.mu.Lock()
	defer st.mu.Unlock()

	if seq <= st.contiguous {
		return true
	}
	if seq == st.contiguous+1 {
		st.contiguous = seq
		for {
			next := cacheKey(origin, st.contiguous+1)
			if _, ok := m.outOfOrderSeen.Get(next); !ok {
				break
			}
			m.outOfOrderSeen.Remove(next)
			st.contiguous++
		}
		return false
	}

	key := cacheKey(origin, seq)
	if _, ok := m.outOfOrderSeen.Get(key); ok {
		return true
	}
	m.outOfOrderSeen.Add(key, struct{}{})
	return false
}

func (m *Manager) originFor(origin peerid.PeerId) *originSeen {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.origins[origin]
	if !ok {
		st = &originSeen{}
		m.origins[origin] = st
	}
	return st
}

func cacheKey(origin peerid.PeerId, seq uint32) string {
	return fmt.Sprintf("%s:%d", origin.String(), seq)
}

// Stats returns a snapshot of cumulative counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Originated:       m.originated.Load(),
		Delivered:        m.delivered.Load(),
		DuplicateDropped: m.duplicateDropped.Load(),
	}
}
