/*Package bytecodec provides the lowest layer of the XOE wire format:
big-endian integer encode/decode at a byte offset, and the CRC-32
checksum every higher layer uses to validate a frame.

Every function here is pure and allocation-free; none of them touch a
socket.  Misuse (an offset that would read or write past the end of
buf) is a contract violation on the caller's part, not a runtime
condition the codec recovers from - it panics, the same way a slice
out-of-bounds access would.
*/
package bytecodec

import (
	"encoding/binary"

	"github.com/snksoft/crc"
)

// crcTable is the zlib-compatible (IEEE 802.3) CRC-32 table, shared
// across all callers.  snksoft/crc's predefined CRC32 parameter set is
// poly 0x04C11DB7, init/final-xor 0xFFFFFFFF, reflected in and out -
// the same polynomial gzip/zlib use, per PROTOCOL.md.
var crcTable = crc.NewTable(crc.CRC32)

// PutUint16 writes v at buf[off:off+2], big-endian.
func PutUint16(buf []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(buf[off:off+2], v)
}

// Uint16 reads a big-endian u16 at buf[off:off+2].
func Uint16(buf []byte, off int) uint16 {
	return binary.BigEndian.Uint16(buf[off : off+2])
}

// PutUint32 writes v at buf[off:off+4], big-endian.
func PutUint32(buf []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(buf[off:off+4], v)
}

// Uint32 reads a big-endian u32 at buf[off:off+4].
func Uint32(buf []byte, off int) uint32 {
	return binary.BigEndian.Uint32(buf[off : off+4])
}

// PutUint64 writes v at buf[off:off+8], big-endian.
func PutUint64(buf []byte, off int, v uint64) {
	binary.BigEndian.PutUint64(buf[off:off+8], v)
}

// Uint64 reads a big-endian u64 at buf[off:off+8].
func Uint64(buf []byte, off int) uint64 {
	return binary.BigEndian.Uint64(buf[off : off+8])
}

// CRC32 computes the zlib-compatible CRC-32 of buf.
func CRC32(buf []byte) uint32 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, buf)
	return crcTable.CRC32(c)
}

// SimpleSum computes the wrapping 32-bit sum of all bytes in buf.  This
// is the weaker, USB-IP-heritage checksum used for per-URB validation
// (§3/§4.D); it is not a substitute for CRC32.
func SimpleSum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return sum
}
