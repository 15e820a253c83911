package server

import (
	"io"
	"sync"
)

// boardConn is one attached realtime connection. The raw connection is held
// only so a dead peer can be closed from the probe sweep.
type boardConn struct {
	peer          *wsPeer
	participantID string
	closer        io.Closer

	mu           sync.Mutex
	missedProbes int
}

func newBoardConn(peer *wsPeer, participantID string, closer io.Closer) *boardConn {
	return &boardConn{
		peer:          peer,
		participantID: participantID,
		closer:        closer,
	}
}

// beginProbe returns how many earlier probes are still unanswered and
// records the one about to be sent.
func (c *boardConn) beginProbe() int {
	c.mu.Lock()
	unanswered := c.missedProbes
	c.missedProbes++
	c.mu.Unlock()
	return unanswered
}

func (c *boardConn) probeAnswered() {
	c.mu.Lock()
	c.missedProbes = 0
	c.mu.Unlock()
}

func (c *boardConn) close() {
	if c.closer != nil {
		_ = c.closer.Close()
	}
}

// peerSet holds the connections attached for one participant. Each set locks
// independently so attach and detach never contend across participants.
type peerSet struct {
	mu    sync.Mutex
	conns map[*boardConn]struct{}
}

func newPeerSet() *peerSet {
	return &peerSet{conns: make(map[*boardConn]struct{})}
}

func (s *peerSet) attach(conn *boardConn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *peerSet) detach(conn *boardConn) bool {
	s.mu.Lock()
	delete(s.conns, conn)
	empty := len(s.conns) == 0
	s.mu.Unlock()
	return empty
}

func (s *peerSet) connections() []*boardConn {
	s.mu.Lock()
	conns := make([]*boardConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	return conns
}

// boardHub is the registry of attached realtime connections, keyed by
// participant id. The hub lock only guards the set map; frame writes always
// happen outside any lock.
type boardHub struct {
	mu   sync.Mutex
	sets map[string]*peerSet
}

func newBoardHub() *boardHub {
	return &boardHub{sets: make(map[string]*peerSet)}
}

func (h *boardHub) set(participantID string) *peerSet {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sets[participantID]
	if ok {
		return set
	}
	set = newPeerSet()
	h.sets[participantID] = set
	return set
}

func (h *boardHub) attach(conn *boardConn) {
	h.set(conn.participantID).attach(conn)
}

func (h *boardHub) detach(conn *boardConn) {
	h.mu.Lock()
	set, ok := h.sets[conn.participantID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if set.detach(conn) {
		h.mu.Lock()
		// Re-check emptiness: another connection may have attached between
		// the detach and taking the hub lock.
		set.mu.Lock()
		empty := len(set.conns) == 0
		set.mu.Unlock()
		if empty {
			delete(h.sets, conn.participantID)
		}
		h.mu.Unlock()
	}
}

func (h *boardHub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sets) == 0
}

// connections gathers every attached connection. Set pointers are copied
// under the hub lock and their contents under each set lock, so iteration
// never holds the hub lock while touching a set.
func (h *boardHub) connections() []*boardConn {
	h.mu.Lock()
	sets := make([]*peerSet, 0, len(h.sets))
	for _, set := range h.sets {
		sets = append(sets, set)
	}
	h.mu.Unlock()

	var conns []*boardConn
	for _, set := range sets {
		conns = append(conns, set.connections()...)
	}
	return conns
}

func (h *boardHub) broadcastFrame(frame wsFrame) {
	for _, conn := range h.connections() {
		if err := conn.peer.writeFrame(frame); err != nil {
			conn.close()
		}
	}
}

// sweepProbes sends one liveness probe to every connection and closes the
// ones whose unanswered probes exceed the threshold. Closing the transport
// unwinds the connection's read loop, which detaches it from the registry.
func (h *boardHub) sweepProbes() {
	for _, conn := range h.connections() {
		if conn.beginProbe() > maxMissedProbes {
			conn.close()
			continue
		}
		if err := conn.peer.writeFrame(wsFrame{Type: "board.probe"}); err != nil {
			conn.close()
		}
	}
}

func (h *boardHub) closeAll() {
	for _, conn := range h.connections() {
		conn.close()
	}
}
