package server

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// activeSession is the registry's record of one in-flight transfer.
// Nothing in the protocol state machine consults it, and its ID is not
// written to the event log.
type activeSession struct {
	ID       string
	Peer     *net.UDPAddr
	Filename string
}

// registry is the dispatcher's bookkeeping of in-flight sessions, the same
// map-plus-mutex shape as the teacher's Peermanager singleton, scoped to
// one dispatcher instance instead of a process-wide singleton since a
// tftp-server only ever runs one.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*activeSession
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*activeSession)}
}

func (r *registry) register(peer *net.UDPAddr, filename string) *activeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &activeSession{ID: uuid.NewString(), Peer: peer, Filename: filename}
	r.sessions[s.ID] = s
	return s
}

func (r *registry) deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
