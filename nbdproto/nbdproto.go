/*Package nbdproto implements the 28-byte nested NBD header codec used
to tunnel an NBD request/reply inside an XOE envelope (§3, §4.E, §6).

This is distinct from nbdsession, which speaks the native NBD wire
protocol directly on its own dedicated TCP connection (§4.F).  This
package exists for the case where an NBD command needs to ride inside
the generic XOE envelope alongside Serial and USB traffic; unlike
usbproto, its envelope checksum is always the ordinary CRC-32 computed
by the envelope layer itself.
*/
package nbdproto

import (
	"github.com/nasa-jpl/xoe/bytecodec"
	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// HeaderLen is the fixed size of the nested NBD header on the wire.
const HeaderLen = 28

// ProtocolVersion is the only protocol_version this package emits or accepts.
const ProtocolVersion = 1

// MaxPayload bounds the data Encapsulate accepts (§3).  The envelope's
// own 1 MiB limit (envelope.MaxPayload) also applies to header plus
// data, so Encapsulate fails for data longer than
// envelope.MaxPayload-HeaderLen.
const MaxPayload = 4 << 20 // 4 MiB

// Header is the 28-byte nested NBD header (§3).
type Header struct {
	Command  uint8
	Flags    uint8
	Reserved uint16
	Cookie   uint64
	Offset   uint64
	Length   uint32
	Error    uint32
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Command
	buf[1] = h.Flags
	bytecodec.PutUint16(buf, 2, h.Reserved)
	bytecodec.PutUint64(buf, 4, h.Cookie)
	bytecodec.PutUint64(buf, 12, h.Offset)
	bytecodec.PutUint32(buf, 20, h.Length)
	bytecodec.PutUint32(buf, 24, h.Error)
	return buf
}

func decodeHeader(buf []byte) Header {
	var h Header
	h.Command = buf[0]
	h.Flags = buf[1]
	h.Reserved = bytecodec.Uint16(buf, 2)
	h.Cookie = bytecodec.Uint64(buf, 4)
	h.Offset = bytecodec.Uint64(buf, 12)
	h.Length = bytecodec.Uint32(buf, 20)
	h.Error = bytecodec.Uint32(buf, 24)
	return h
}

// Encapsulate serialises h and data into an envelope.Packet with
// protocol_id = NBD, checksummed with the envelope layer's ordinary
// CRC-32 over the header prefix and payload.
func Encapsulate(h Header, data []byte) (envelope.Packet, error) {
	if len(data) > MaxPayload {
		return envelope.Packet{}, xoeerr.New(xoeerr.ProtocolError, "nbdproto.Encapsulate", nil)
	}
	payload := append(encodeHeader(h), data...)
	return envelope.NewPacket(envelope.NBD, ProtocolVersion, payload)
}

// Decapsulate validates pkt as an NBD-wrapped request/reply and
// returns the header plus a slice over the data.  The envelope CRC is
// assumed already validated by envelope.RecvPacket; this only checks
// the nested framing.
func Decapsulate(pkt envelope.Packet) (Header, []byte, error) {
	if pkt.ProtocolID != envelope.NBD {
		return Header{}, nil, xoeerr.New(xoeerr.ProtocolError, "nbdproto.Decapsulate", nil)
	}
	if pkt.ProtocolVersion != ProtocolVersion {
		return Header{}, nil, xoeerr.New(xoeerr.ProtocolError, "nbdproto.Decapsulate", nil)
	}
	if len(pkt.Payload) < HeaderLen {
		return Header{}, nil, xoeerr.New(xoeerr.ProtocolError, "nbdproto.Decapsulate", nil)
	}
	h := decodeHeader(pkt.Payload[:HeaderLen])
	data := pkt.Payload[HeaderLen:]
	return h, data, nil
}
