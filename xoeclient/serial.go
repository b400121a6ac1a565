package xoeclient

import (
	"io"
	"log"
	"net"
	"sync"

	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/serialbridge"
)

// SerialBridge bridges a local serial port onto the XOE wire (§5
// serial-client thread model): a producer goroutine reads the port
// into the ring buffer, a consumer goroutine drains the buffer into
// framed Serial envelopes, and a network goroutine writes incoming
// Serial envelopes back out to the port.
type SerialBridge struct {
	conn net.Conn
	port io.ReadWriteCloser
	ring *serialbridge.RingBuffer

	sendMu sync.Mutex
	seq    uint16
}

// RingCapacity is the bridge's buffering between the serial producer
// and the framing consumer.  A few frames deep: the port is the slow
// side, the buffer only smooths bursts.
const RingCapacity = 4 * serialbridge.MaxPayload

// NewSerialBridge wires a bridge between an open port and an open
// server connection.
func NewSerialBridge(conn net.Conn, port io.ReadWriteCloser) *SerialBridge {
	return &SerialBridge{
		conn: conn,
		port: port,
		ring: serialbridge.NewRingBuffer(RingCapacity),
	}
}

// Run drives the three bridge goroutines and blocks until all have
// exited.  Any one side failing shuts the others down: the ring buffer
// closing wakes the consumer, and closing the socket and port wakes
// the two blocking readers.
func (b *SerialBridge) Run() {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		b.produce()
	}()
	go func() {
		defer wg.Done()
		b.consume()
		b.conn.Close()
	}()
	go func() {
		defer wg.Done()
		b.netToPort()
		b.port.Close()
	}()

	wg.Wait()
}

// Close shuts the bridge down cooperatively: the ring wakes blocked
// readers/writers with EOF, and closing the handles unblocks socket
// and port I/O.
func (b *SerialBridge) Close() {
	b.ring.Close()
	b.conn.Close()
	b.port.Close()
}

// produce reads the serial port into the ring buffer until the port
// fails or the ring closes.
func (b *SerialBridge) produce() {
	buf := make([]byte, serialbridge.MaxPayload)
	for {
		n, err := b.port.Read(buf)
		if n > 0 {
			// a short write means the ring closed underneath us
			if written, _ := b.ring.Write(buf[:n]); written < n {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("xoeclient: serial port read failed: %v", err)
			}
			b.ring.Close()
			return
		}
	}
}

// consume drains the ring buffer into framed Serial envelopes.  A
// zero-byte read means the ring closed empty: clean EOF, stop.
func (b *SerialBridge) consume() {
	buf := make([]byte, serialbridge.MaxPayload)
	for {
		n, err := b.ring.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if serr := b.sendChunk(buf[:n]); serr != nil {
			log.Printf("xoeclient: serial chunk send failed: %v", serr)
			b.ring.Close()
			return
		}
	}
}

// sendChunk frames one serial chunk with the next sequence number and
// writes it to the server.
func (b *SerialBridge) sendChunk(data []byte) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	hdr := serialbridge.Header{Sequence: b.seq}
	b.seq++

	payload := append(serialbridge.EncodeHeader(hdr), data...)
	pkt, err := envelope.NewPacket(envelope.Serial, 1, payload)
	if err != nil {
		return err
	}
	return envelope.SendPacket(b.conn, pkt)
}

// netToPort reads Serial envelopes from the server and writes their
// chunk bytes out the serial port.  Sequence numbers are informational
// on the receive side; no reordering is attempted.
func (b *SerialBridge) netToPort() {
	for {
		pkt, err := envelope.RecvPacket(b.conn)
		if err != nil {
			b.ring.Close()
			return
		}
		if pkt.ProtocolID != envelope.Serial {
			continue
		}
		if _, derr := serialbridge.DecodeHeader(pkt.Payload); derr != nil {
			log.Printf("xoeclient: malformed serial chunk from server: %v", derr)
			continue
		}
		chunk := pkt.Payload[serialbridge.HeaderLen:]
		if len(chunk) == 0 {
			continue
		}
		if _, werr := b.port.Write(chunk); werr != nil {
			log.Printf("xoeclient: serial port write failed: %v", werr)
			b.ring.Close()
			return
		}
	}
}
