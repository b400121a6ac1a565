package usbrouter_test

import (
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/usbauth"
	"github.com/nasa-jpl/xoe/usbproto"
	"github.com/nasa-jpl/xoe/usbrouter"
)

func dialPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	acceptc := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptc <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-acceptc
	return client, server
}

func recvURB(t *testing.T, conn net.Conn) (usbproto.Header, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := envelope.RecvPacket(conn)
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	hdr, data, err := usbproto.Decapsulate(pkt)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	return hdr, data
}

// scenario 4 from PROTOCOL.md §8: USB registration with auth succeeds end to end.
func TestRegistrationWithAuthSucceeds(t *testing.T) {
	auth := usbauth.New([]byte("shared-secret"), nil)
	r := usbrouter.New(4, auth)

	clientA, serverA := dialPair(t)
	defer clientA.Close()
	defer serverA.Close()

	regHdr := usbproto.Header{
		Command:  usbproto.CmdRegister,
		DeviceID: usbproto.DeviceID(0x1234, 0x5678),
		Endpoint: 0x08, // mass storage class, allowed by default
	}
	pkt := usbproto.Encapsulate(regHdr, nil)

	done := make(chan error, 1)
	go func() { done <- r.HandleURB(pkt, serverA) }()
	if err := <-done; err != nil {
		t.Fatalf("HandleURB(register): %v", err)
	}

	hdr, challenge := recvURB(t, clientA)
	if hdr.Command != usbproto.CmdRetRegister || hdr.Status != usbproto.StatusAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED reply, got command=%d status=%d", hdr.Command, hdr.Status)
	}

	response := auth.Respond(challenge, regHdr.DeviceID, 0x08)
	authHdr := usbproto.Header{Command: usbproto.CmdRetAuth, DeviceID: regHdr.DeviceID}
	authPkt := usbproto.Encapsulate(authHdr, response)
	if err := r.HandleURB(authPkt, serverA); err != nil {
		t.Fatalf("HandleURB(auth): %v", err)
	}

	hdr, _ = recvURB(t, clientA)
	if hdr.Command != usbproto.CmdRetRegister || hdr.Status != usbproto.StatusOK {
		t.Fatalf("expected successful registration, got status=%d", hdr.Status)
	}
}

// scenario 5 from PROTOCOL.md §8: a blocked device class is rejected before
// any registry slot is consumed.
func TestRegistrationBlockedByClassWhitelist(t *testing.T) {
	auth := usbauth.New(nil, []byte{0x08}) // only mass storage allowed
	r := usbrouter.New(4, auth)

	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	regHdr := usbproto.Header{
		Command:  usbproto.CmdRegister,
		DeviceID: usbproto.DeviceID(0x1111, 0x2222),
		Endpoint: 0x03, // HID, not in the whitelist
	}
	pkt := usbproto.Encapsulate(regHdr, nil)
	if err := r.HandleURB(pkt, server); err != nil {
		t.Fatalf("HandleURB: %v", err)
	}

	hdr, _ := recvURB(t, client)
	if hdr.Status != usbproto.StatusClassBlocked {
		t.Fatalf("expected ClassBlocked status, got %d", hdr.Status)
	}
}

func TestSubmitRoutesToRegisteredPeer(t *testing.T) {
	r := usbrouter.New(4, nil) // auth disabled

	clientA, serverA := dialPair(t)
	defer clientA.Close()
	defer serverA.Close()
	clientB, serverB := dialPair(t)
	defer clientB.Close()
	defer serverB.Close()

	deviceID := usbproto.DeviceID(0xAAAA, 0xBBBB)
	regB := usbproto.Encapsulate(usbproto.Header{Command: usbproto.CmdRegister, DeviceID: deviceID}, nil)
	if err := r.HandleURB(regB, serverB); err != nil {
		t.Fatalf("register B: %v", err)
	}
	recvURB(t, clientB) // drain RET_REGISTER

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	submit := usbproto.Encapsulate(usbproto.Header{Command: usbproto.CmdSubmit, DeviceID: deviceID}, payload)
	if err := r.HandleURB(submit, serverA); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, data := recvURB(t, clientB)
	if string(data) != string(payload) {
		t.Fatalf("routed payload = %v, want %v", data, payload)
	}
}

func TestFailedAuthClearsSlot(t *testing.T) {
	auth := usbauth.New([]byte("shared-secret"), nil)
	r := usbrouter.New(4, auth)

	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	regHdr := usbproto.Header{
		Command:  usbproto.CmdRegister,
		DeviceID: usbproto.DeviceID(0x1234, 0x5678),
		Endpoint: 0x08,
	}
	if err := r.HandleURB(usbproto.Encapsulate(regHdr, nil), server); err != nil {
		t.Fatalf("HandleURB(register): %v", err)
	}
	_, challenge := recvURB(t, client)

	bad := auth.Respond(challenge, regHdr.DeviceID, 0x08)
	bad[0] ^= 0xFF
	authPkt := usbproto.Encapsulate(usbproto.Header{Command: usbproto.CmdRetAuth, DeviceID: regHdr.DeviceID}, bad)
	if err := r.HandleURB(authPkt, server); err != nil {
		t.Fatalf("HandleURB(auth): %v", err)
	}

	hdr, _ := recvURB(t, client)
	if hdr.Status != usbproto.StatusAuthFailed {
		t.Fatalf("expected AuthFailed status, got %d", hdr.Status)
	}
	if r.AuthFailures() != 1 {
		t.Fatalf("AuthFailures = %d, want 1", r.AuthFailures())
	}

	// The slot was cleared: a submit to that device finds no target.
	submit := usbproto.Encapsulate(usbproto.Header{Command: usbproto.CmdSubmit, DeviceID: regHdr.DeviceID}, nil)
	otherClient, otherServer := dialPair(t)
	defer otherClient.Close()
	defer otherServer.Close()
	if err := r.HandleURB(submit, otherServer); err == nil {
		t.Fatal("expected routing to a cleared slot to fail")
	}
}

func TestSubmitToUnknownDeviceIsNotFound(t *testing.T) {
	r := usbrouter.New(4, nil)
	_, server := dialPair(t)
	defer server.Close()

	submit := usbproto.Encapsulate(usbproto.Header{Command: usbproto.CmdSubmit, DeviceID: 0x1}, nil)
	if err := r.HandleURB(submit, server); err == nil {
		t.Fatal("expected error routing to an unregistered device")
	}
	if r.RoutingErrors() != 1 {
		t.Fatalf("RoutingErrors = %d, want 1", r.RoutingErrors())
	}
}
