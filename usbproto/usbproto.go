/*Package usbproto implements the 36-byte USB Request Block (URB)
header codec nested inside an XOE envelope (§3, §4.D, §6).

A URB packet's envelope checksum field does not carry the usual
envelope CRC-32: USB packets carry the weaker per-URB sum-of-bytes
check described here, kept wire-compatible with the USB-IP lineage the
URB format descends from.  envelope.RecvPacket already knows to skip
CRC validation for protocol_id == USB; Decapsulate is what actually
authenticates the frame in that case.
*/
package usbproto

import (
	"github.com/nasa-jpl/xoe/bytecodec"
	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// HeaderLen is the fixed size of a URB header on the wire.
const HeaderLen = 36

// ProtocolVersion is the only protocol_version this package emits or accepts.
const ProtocolVersion = 1

// URB commands (§3).  SUBMIT keeps its USB-IP value (0x0001); the
// XOE-specific management commands are assigned sequentially after it.
const (
	CmdSubmit        uint16 = 0x0001
	CmdUnlink        uint16 = 0x0002
	CmdRetSubmit     uint16 = 0x0003
	CmdRetUnlink     uint16 = 0x0004
	CmdRegister      uint16 = 0x0005
	CmdRetRegister   uint16 = 0x0006
	CmdUnregister    uint16 = 0x0007
	CmdRetUnregister uint16 = 0x0008
	CmdAuth          uint16 = 0x0009
	CmdRetAuth       uint16 = 0x000A
	CmdEnum          uint16 = 0x000B
	CmdRetEnum       uint16 = 0x000C
)

// Transfer types (§3).  Isochronous is explicitly not supported.
const (
	TransferControl   uint8 = 0
	TransferBulk      uint8 = 2
	TransferInterrupt uint8 = 3
)

// RET_REGISTER status codes used by usbrouter/usbauth.
const (
	StatusOK           int32 = 0
	StatusAuthRequired int32 = 1
	StatusAuthFailed   int32 = 2
	StatusClassBlocked int32 = 3
)

// Header is the 36-byte URB header (§3).
type Header struct {
	Command        uint16
	Flags          uint16
	Seqnum         uint32
	DeviceID       uint32 // (vid << 16) | pid
	Endpoint       uint8
	TransferType   uint8
	Reserved       uint16
	TransferLength uint32
	ActualLength   uint32
	Status         int32
	Setup          [8]byte
}

// VID returns the vendor ID packed into DeviceID.
func (h Header) VID() uint16 { return uint16(h.DeviceID >> 16) }

// PID returns the product ID packed into DeviceID.
func (h Header) PID() uint16 { return uint16(h.DeviceID) }

// DeviceID packs a VID:PID pair the way the wire format requires.
func DeviceID(vid, pid uint16) uint32 {
	return (uint32(vid) << 16) | uint32(pid)
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	bytecodec.PutUint16(buf, 0, h.Command)
	bytecodec.PutUint16(buf, 2, h.Flags)
	bytecodec.PutUint32(buf, 4, h.Seqnum)
	bytecodec.PutUint32(buf, 8, h.DeviceID)
	buf[12] = h.Endpoint
	buf[13] = h.TransferType
	bytecodec.PutUint16(buf, 14, h.Reserved)
	bytecodec.PutUint32(buf, 16, h.TransferLength)
	bytecodec.PutUint32(buf, 20, h.ActualLength)
	bytecodec.PutUint32(buf, 24, uint32(h.Status))
	copy(buf[28:36], h.Setup[:])
	return buf
}

func decodeHeader(buf []byte) Header {
	var h Header
	h.Command = bytecodec.Uint16(buf, 0)
	h.Flags = bytecodec.Uint16(buf, 2)
	h.Seqnum = bytecodec.Uint32(buf, 4)
	h.DeviceID = bytecodec.Uint32(buf, 8)
	h.Endpoint = buf[12]
	h.TransferType = buf[13]
	h.Reserved = bytecodec.Uint16(buf, 14)
	h.TransferLength = bytecodec.Uint32(buf, 16)
	h.ActualLength = bytecodec.Uint32(buf, 20)
	h.Status = int32(bytecodec.Uint32(buf, 24))
	copy(h.Setup[:], buf[28:36])
	return h
}

// Checksum computes the per-URB simple-sum checksum over a header
// followed by its transfer data (§3: "32-bit sum of all header bytes
// plus payload bytes").
func Checksum(h Header, data []byte) uint32 {
	buf := append(encodeHeader(h), data...)
	return bytecodec.SimpleSum(buf)
}

// Encapsulate serialises h and data into an envelope.Packet with
// protocol_id = USB, using the per-URB sum as the envelope checksum
// field (§4.D).
func Encapsulate(h Header, data []byte) envelope.Packet {
	payload := append(encodeHeader(h), data...)
	return envelope.Packet{
		ProtocolID:      envelope.USB,
		ProtocolVersion: ProtocolVersion,
		Payload:         payload,
		Checksum:        Checksum(h, data),
	}
}

// Decapsulate validates pkt as a USB-wrapped URB and returns the
// header plus a slice over the transfer data.  The returned data
// slice aliases pkt.Payload; callers that need to retain it past the
// packet's lifetime should copy it.
func Decapsulate(pkt envelope.Packet) (Header, []byte, error) {
	if pkt.ProtocolID != envelope.USB {
		return Header{}, nil, xoeerr.New(xoeerr.ProtocolError, "usbproto.Decapsulate", nil)
	}
	if pkt.ProtocolVersion != ProtocolVersion {
		return Header{}, nil, xoeerr.New(xoeerr.ProtocolError, "usbproto.Decapsulate", nil)
	}
	if len(pkt.Payload) < HeaderLen {
		return Header{}, nil, xoeerr.New(xoeerr.ProtocolError, "usbproto.Decapsulate", nil)
	}

	h := decodeHeader(pkt.Payload[:HeaderLen])
	data := pkt.Payload[HeaderLen:]

	if Checksum(h, data) != pkt.Checksum {
		return Header{}, nil, xoeerr.New(xoeerr.ChecksumMismatch, "usbproto.Decapsulate", nil)
	}

	return h, data, nil
}

// CopyInto copies the transfer data of a decapsulated URB into dst,
// failing with BufferTooSmall if dst cannot hold it (§4.D: "Output
// buffer capacity MUST be checked before the data copy").
func CopyInto(dst []byte, data []byte) (int, error) {
	if len(dst) < len(data) {
		return 0, xoeerr.New(xoeerr.BufferTooSmall, "usbproto.CopyInto", nil)
	}
	return copy(dst, data), nil
}
