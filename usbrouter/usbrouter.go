/*Package usbrouter implements the USB routing server (§4.L): a
process-wide registry of USB peer connections that registers devices,
runs authentication challenge/response, and routes URB submit/return
traffic by device_id between peers.  It is the one place a connection
touches another connection's socket directly, so it follows the
lock-ordering rule PROTOCOL.md §5 calls out: the registry mutex is acquired
before a target slot's send lock, and released only after the send
lock is held, so a slot cannot be repurposed mid-send.
*/
package usbrouter

import (
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/usbauth"
	"github.com/nasa-jpl/xoe/usbproto"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// DefaultMaxClients is the default registry size (§6 USB device configs).
const DefaultMaxClients = 16

// peerSlot holds one registered USB peer's routing state (§3).
type peerSlot struct {
	inUse         bool
	authenticated bool
	authPending   bool
	conn          net.Conn
	deviceID      uint32
	deviceClass   byte
	challenge     []byte
	sendLock      sync.Mutex
}

// Router is the USB routing server (§4.L).
type Router struct {
	auth *usbauth.Authenticator

	mu    sync.Mutex
	slots []peerSlot

	routingErrors  uint64
	authFailures   uint64
}

// New creates a Router with the given registry size and authenticator.
// A nil authenticator is replaced with one holding no secret and no
// whitelist: challenge/response disabled, default class policy
// (HID blocked, everything else allowed).  The class whitelist is
// enforced on every registration regardless of whether the HMAC
// exchange is enabled.
func New(maxClients int, auth *usbauth.Authenticator) *Router {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if auth == nil {
		auth = usbauth.New(nil, nil)
	}
	return &Router{auth: auth, slots: make([]peerSlot, maxClients)}
}

// RoutingErrors returns the cumulative routing-error count (§6 /stats).
func (r *Router) RoutingErrors() uint64 { return atomic.LoadUint64(&r.routingErrors) }

// AuthFailures returns the cumulative auth-failure count (§6 /stats).
func (r *Router) AuthFailures() uint64 { return atomic.LoadUint64(&r.authFailures) }

// Unregister frees any slot owned by conn.  Called by the dispatcher
// when a connection's socket dies, regardless of registration state.
func (r *Router) Unregister(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].conn == conn {
			r.clearSlot(i)
		}
	}
}

// clearSlot resets slot i's metadata.  Callers must hold r.mu.  It
// also takes the slot's send lock before resetting: a routing send in
// flight (route holds the send lock across its write) must finish
// before the slot it is writing to can be repurposed, honouring the
// same lock-ordering rule route itself follows.  The sendLock value
// itself is left in place, never replaced, since a mutex must not be
// copied or reset while anything might still reference it.
func (r *Router) clearSlot(i int) {
	slot := &r.slots[i]
	slot.sendLock.Lock()
	slot.inUse = false
	slot.authenticated = false
	slot.authPending = false
	slot.conn = nil
	slot.deviceID = 0
	slot.deviceClass = 0
	slot.challenge = nil
	slot.sendLock.Unlock()
}

// HandleURB decapsulates pkt and dispatches it by URB command,
// possibly replying to sender over reply (the same connection the URB
// arrived on) and possibly forwarding the original URB to a different
// peer connection entirely.
func (r *Router) HandleURB(pkt envelope.Packet, sender net.Conn) error {
	hdr, data, err := usbproto.Decapsulate(pkt)
	if err != nil {
		return err
	}

	switch hdr.Command {
	case usbproto.CmdRegister:
		return r.handleRegister(hdr, sender)
	case usbproto.CmdRetAuth:
		return r.handleAuth(hdr, data, sender)
	case usbproto.CmdUnregister:
		return r.handleUnregister(hdr, sender)
	case usbproto.CmdSubmit, usbproto.CmdRetSubmit:
		return r.route(hdr, data, sender)
	default:
		return xoeerr.New(xoeerr.InvalidArgument, "usbrouter.HandleURB", nil)
	}
}

func (r *Router) reply(conn net.Conn, h usbproto.Header, data []byte) error {
	pkt := usbproto.Encapsulate(h, data)
	return envelope.SendPacket(conn, pkt)
}

// handleRegister implements CMD_REGISTER (§4.L): device_class comes
// from the URB's Endpoint field, a protocol convention rather than the
// field's transfer-time meaning.
func (r *Router) handleRegister(hdr usbproto.Header, sender net.Conn) error {
	deviceClass := hdr.Endpoint

	if !r.auth.ClassAllowed(deviceClass) {
		reply := hdr
		reply.Command = usbproto.CmdRetRegister
		reply.Status = usbproto.StatusClassBlocked
		return r.reply(sender, reply, nil)
	}

	r.mu.Lock()
	idx := -1
	for i := range r.slots {
		if !r.slots[i].inUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		reply := hdr
		reply.Command = usbproto.CmdRetRegister
		reply.Status = usbproto.StatusAuthFailed
		return r.reply(sender, reply, nil)
	}

	slot := &r.slots[idx]
	slot.inUse = true
	slot.conn = sender
	slot.deviceID = hdr.DeviceID
	slot.deviceClass = deviceClass

	if !r.auth.Enabled() {
		slot.authenticated = true
		r.mu.Unlock()
		reply := hdr
		reply.Command = usbproto.CmdRetRegister
		reply.Status = usbproto.StatusOK
		return r.reply(sender, reply, nil)
	}

	challenge, err := usbauth.NewChallenge()
	if err != nil {
		r.clearSlot(idx)
		r.mu.Unlock()
		return err
	}
	slot.authPending = true
	slot.challenge = challenge
	r.mu.Unlock()

	reply := hdr
	reply.Command = usbproto.CmdRetRegister
	reply.Status = usbproto.StatusAuthRequired
	return r.reply(sender, reply, challenge)
}

// handleAuth implements RET_AUTH (§4.L), verifying the client's
// challenge response in constant time.
func (r *Router) handleAuth(hdr usbproto.Header, response []byte, sender net.Conn) error {
	r.mu.Lock()
	idx := -1
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].conn == sender && r.slots[i].authPending {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return xoeerr.New(xoeerr.InvalidState, "usbrouter.handleAuth", nil)
	}
	slot := &r.slots[idx]

	ok := r.auth.Verify(slot.challenge, slot.deviceID, slot.deviceClass, response)
	if ok {
		slot.authenticated = true
		slot.authPending = false
		slot.challenge = nil
		r.mu.Unlock()
		reply := hdr
		reply.Command = usbproto.CmdRetRegister
		reply.Status = usbproto.StatusOK
		return r.reply(sender, reply, nil)
	}

	r.clearSlot(idx)
	r.mu.Unlock()
	atomic.AddUint64(&r.authFailures, 1)
	reply := hdr
	reply.Command = usbproto.CmdRetRegister
	reply.Status = usbproto.StatusAuthFailed
	return r.reply(sender, reply, nil)
}

// handleUnregister implements CMD_UNREGISTER (§4.L).
func (r *Router) handleUnregister(hdr usbproto.Header, sender net.Conn) error {
	r.mu.Lock()
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].conn == sender {
			r.clearSlot(i)
		}
	}
	r.mu.Unlock()
	reply := hdr
	reply.Command = usbproto.CmdRetUnregister
	reply.Status = usbproto.StatusOK
	return r.reply(sender, reply, nil)
}

// route implements CMD_SUBMIT/RET_SUBMIT forwarding (§4.L), honouring
// the lock-ordering rule: the registry mutex is held while the target
// is found and its send lock acquired, and is released only after
// that, never before.
func (r *Router) route(hdr usbproto.Header, data []byte, sender net.Conn) error {
	r.mu.Lock()
	var target *peerSlot
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].authenticated &&
			r.slots[i].deviceID == hdr.DeviceID && r.slots[i].conn != sender {
			target = &r.slots[i]
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		atomic.AddUint64(&r.routingErrors, 1)
		return xoeerr.New(xoeerr.NotFound, "usbrouter.route", nil)
	}
	target.sendLock.Lock()
	conn := target.conn
	r.mu.Unlock()
	defer target.sendLock.Unlock()

	pkt := usbproto.Encapsulate(hdr, data)
	if err := envelope.SendPacket(conn, pkt); err != nil {
		atomic.AddUint64(&r.routingErrors, 1)
		log.Printf("usbrouter: routing send failed for device %04x:%04x: %v", hdr.VID(), hdr.PID(), err)
		return err
	}
	return nil
}
