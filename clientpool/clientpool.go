/*Package clientpool implements the fixed-slot connection pool the
server core uses to bound concurrent clients (§4.J).  A fixed array of
slots rather than a buffered channel of connections: the pool tracks
live sockets owned by a dispatcher goroutine, not reusable handles
handed out and back.
*/
package clientpool

import (
	"log"
	"net"
	"sync"
	"time"
)

// DefaultMaxClients is the default slot count (§6 CLI surface).
const DefaultMaxClients = 32

// Slot holds one pool entry's state (§3 Client-pool slot).
type Slot struct {
	index    int
	conn     net.Conn
	peerAddr string
	inUse    bool
}

// Index returns the slot's fixed position in the pool.
func (s *Slot) Index() int { return s.index }

// Conn returns the slot's socket.
func (s *Slot) Conn() net.Conn { return s.conn }

// PeerAddr returns the remote address recorded at acquire time.
func (s *Slot) PeerAddr() string { return s.peerAddr }

// Pool is a fixed-size array of client slots (§4.J).
type Pool struct {
	mu    sync.Mutex
	slots []Slot
}

// New creates a Pool with the given fixed capacity.
func New(maxClients int) *Pool {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	slots := make([]Slot, maxClients)
	for i := range slots {
		slots[i].index = i
	}
	return &Pool{slots: slots}
}

// Acquire scans for an unused slot, marks it in-use, and returns it.
// It returns nil if the pool is full.
func (p *Pool) Acquire(conn net.Conn) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i].inUse = true
			p.slots[i].conn = conn
			p.slots[i].peerAddr = conn.RemoteAddr().String()
			return &p.slots[i]
		}
	}
	return nil
}

// Release zeroes the slot's socket and marks it free.
func (p *Pool) Release(slot *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[slot.index].conn = nil
	p.slots[slot.index].peerAddr = ""
	p.slots[slot.index].inUse = false
}

// DisconnectAll closes every in-use socket, waking the owning
// dispatcher goroutine out of its blocking read.  Close errors are
// logged, not returned: a socket that is already gone is not a
// failure of disconnection.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].inUse && p.slots[i].conn != nil {
			if err := p.slots[i].conn.Close(); err != nil {
				log.Printf("clientpool: error closing slot %d (%s): %v", i, p.slots[i].peerAddr, err)
			}
		}
	}
}

// ActiveCount is a snapshot read of the in-use slot count.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].inUse {
			n++
		}
	}
	return n
}

// WaitForIdle polls the active count until it reaches zero or timeout
// elapses.  If slots remain in-use when the deadline passes, it force-
// clears them and logs a warning: the owning dispatcher goroutines
// failed to exit in time, and shutdown must proceed regardless (§4.J).
func (p *Pool) WaitForIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 10 * time.Millisecond
	for time.Now().Before(deadline) {
		if p.ActiveCount() == 0 {
			return
		}
		time.Sleep(pollInterval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	stuck := 0
	for i := range p.slots {
		if p.slots[i].inUse {
			stuck++
			p.slots[i].conn = nil
			p.slots[i].peerAddr = ""
			p.slots[i].inUse = false
		}
	}
	if stuck > 0 {
		log.Printf("clientpool: force-cleared %d slot(s) that did not idle out within %s", stuck, timeout)
	}
}
