package dispatcher_test

import (
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/xoe/clientpool"
	"github.com/nasa-jpl/xoe/dispatcher"
	"github.com/nasa-jpl/xoe/envelope"
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

func TestEchoesLegacyProtocol(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	d := &dispatcher.Dispatcher{
		Pool:      clientpool.New(4),
		USBRouter: usbrouter.New(4, nil),
	}
	go d.Serve(server)

	pkt, err := envelope.NewPacket(envelope.Serial, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}
	if err := envelope.SendPacket(client, pkt); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := envelope.RecvPacket(client)
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("echoed payload = %q, want %q", got.Payload, "hello")
	}

	client.Close()
}

func TestFullPoolRejectsConnection(t *testing.T) {
	pool := clientpool.New(1)
	client1, server1 := dialPair(t)
	defer client1.Close()
	defer server1.Close()
	pool.Acquire(server1)

	client2, server2 := dialPair(t)
	defer client2.Close()

	d := &dispatcher.Dispatcher{Pool: pool, USBRouter: usbrouter.New(4, nil)}
	done := make(chan struct{})
	go func() {
		d.Serve(server2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to return immediately when the pool is full")
	}

	buf := make([]byte, 1)
	client2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client2.Read(buf); err == nil {
		t.Fatal("expected the rejected connection's socket to be closed")
	}
}
