/*Package envelope implements the XOE wire envelope (`xoe_packet`): a
12-byte big-endian header plus a length-prefixed payload, CRC-32
protected.  It is the one format every protocol_id rides inside,
whether the dispatcher terminates that protocol itself (Serial, NBD
tunnelled inside XOE) or merely forwards it (USB, routed by
usbrouter).

send_packet/recv_packet from PROTOCOL.md §4.B live here as SendPacket and
RecvPacket.  Both retry partial socket I/O until the full frame has
been transferred or the stream reports EOF/error - see readFull and
writeFull.
*/
package envelope

import (
	"io"

	"github.com/nasa-jpl/xoe/bytecodec"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// Protocol identifiers carried in the envelope header.
const (
	Raw    uint16 = 0
	Serial uint16 = 1
	USB    uint16 = 2
	NBD    uint16 = 3
)

const (
	// HeaderLen is the fixed size of the envelope header on the wire.
	HeaderLen = 12

	// MaxPayload is the largest payload an envelope may carry (§3).
	MaxPayload = 1 << 20 // 1 MiB
)

// Packet is the in-memory representation of an xoe_packet.  Payload
// exclusively owns its backing buffer: callers that build a Packet
// must not retain or mutate the slice afterwards, and callers that
// receive one may treat it as theirs until the packet is discarded.
// This replaces the source's manual owns_data flag with Go's normal
// value-ownership convention.
type Packet struct {
	ProtocolID      uint16
	ProtocolVersion uint16
	Payload         []byte
	Checksum        uint32
}

// HeaderChecksum computes the CRC-32 the envelope layer expects over
// the 8 pre-checksum header bytes (protocol_id, protocol_version,
// payload_length) followed by payload.
func HeaderChecksum(protocolID, protocolVersion uint16, payload []byte) uint32 {
	prefix := make([]byte, 8)
	bytecodec.PutUint16(prefix, 0, protocolID)
	bytecodec.PutUint16(prefix, 2, protocolVersion)
	bytecodec.PutUint32(prefix, 4, uint32(len(payload)))
	buf := append(prefix, payload...)
	return bytecodec.CRC32(buf)
}

// NewPacket builds a Packet whose Checksum is the CRC-32 the envelope
// layer is authoritative for.  USB's own sum-based checksum is
// computed separately by usbproto and placed directly into the
// Checksum field via the Packet literal, bypassing NewPacket - see
// usbproto.Encapsulate.
func NewPacket(protocolID, protocolVersion uint16, payload []byte) (Packet, error) {
	if len(payload) > MaxPayload {
		return Packet{}, xoeerr.New(xoeerr.ProtocolError, "envelope.NewPacket", nil)
	}
	return Packet{
		ProtocolID:      protocolID,
		ProtocolVersion: protocolVersion,
		Payload:         payload,
		Checksum:        HeaderChecksum(protocolID, protocolVersion, payload),
	}, nil
}

// SendPacket serialises pkt as header+payload and writes it to w,
// retrying partial writes until the full frame is on the wire or an
// error occurs.
func SendPacket(w io.Writer, pkt Packet) error {
	if len(pkt.Payload) > MaxPayload {
		return xoeerr.New(xoeerr.ProtocolError, "envelope.SendPacket", nil)
	}
	buf := make([]byte, HeaderLen+len(pkt.Payload))
	bytecodec.PutUint16(buf, 0, pkt.ProtocolID)
	bytecodec.PutUint16(buf, 2, pkt.ProtocolVersion)
	bytecodec.PutUint32(buf, 4, uint32(len(pkt.Payload)))
	bytecodec.PutUint32(buf, 8, pkt.Checksum)
	copy(buf[HeaderLen:], pkt.Payload)

	return writeFull(w, buf)
}

// RecvPacket reads exactly one envelope from r.  protocol_id == USB is
// exempted from checksum validation at this layer: its checksum field
// carries the weaker per-URB sum (§4.D), which usbproto.Decapsulate
// verifies itself.  Every other protocol_id is validated against the
// CRC-32 computed by HeaderChecksum.
func RecvPacket(r io.Reader) (Packet, error) {
	hdr := make([]byte, HeaderLen)
	if err := readFull(r, hdr); err != nil {
		return Packet{}, err
	}

	protocolID := bytecodec.Uint16(hdr, 0)
	protocolVersion := bytecodec.Uint16(hdr, 2)
	payloadLen := bytecodec.Uint32(hdr, 4)
	checksum := bytecodec.Uint32(hdr, 8)

	if payloadLen > MaxPayload {
		return Packet{}, xoeerr.New(xoeerr.ProtocolError, "envelope.RecvPacket", nil)
	}

	payload := make([]byte, payloadLen)
	if err := readFull(r, payload); err != nil {
		return Packet{}, err
	}

	pkt := Packet{
		ProtocolID:      protocolID,
		ProtocolVersion: protocolVersion,
		Payload:         payload,
		Checksum:        checksum,
	}

	if protocolID != USB {
		want := HeaderChecksum(protocolID, protocolVersion, payload)
		if want != checksum {
			return Packet{}, xoeerr.New(xoeerr.ChecksumMismatch, "envelope.RecvPacket", nil)
		}
	}

	return pkt, nil
}

// readFull retries Read until buf is completely filled or the stream
// ends/errors, mapping io.EOF/io.ErrUnexpectedEOF through unchanged so
// callers can detect a clean disconnect.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return err
		}
		return xoeerr.New(xoeerr.NetworkError, "envelope.readFull", err)
	}
	return nil
}

// writeFull retries Write until buf is completely transmitted or the
// stream errors.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return xoeerr.New(xoeerr.NetworkError, "envelope.writeFull", err)
		}
		buf = buf[n:]
	}
	return nil
}
