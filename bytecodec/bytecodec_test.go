package bytecodec_test

import (
	"fmt"
	"testing"

	"github.com/nasa-jpl/xoe/bytecodec"
)

func ExampleUint32() {
	buf := []byte{0x00, 0xDE, 0xAD, 0xBE, 0xEF, 0x00}
	fmt.Printf("%08x\n", bytecodec.Uint32(buf, 1))
	// Output: deadbeef
}

func ExamplePutUint16() {
	buf := make([]byte, 4)
	bytecodec.PutUint16(buf, 1, 0xABCD)
	fmt.Printf("% x\n", buf)
	// Output: 00 ab cd 00
}

func TestRoundTripIntegers(t *testing.T) {
	buf := make([]byte, 18)
	bytecodec.PutUint16(buf, 0, 0x1234)
	bytecodec.PutUint32(buf, 2, 0xDEADBEEF)
	bytecodec.PutUint64(buf, 6, 0x0102030405060708)

	if got := bytecodec.Uint16(buf, 0); got != 0x1234 {
		t.Errorf("Uint16 round-trip: got %#x", got)
	}
	if got := bytecodec.Uint32(buf, 2); got != 0xDEADBEEF {
		t.Errorf("Uint32 round-trip: got %#x", got)
	}
	if got := bytecodec.Uint64(buf, 6); got != 0x0102030405060708 {
		t.Errorf("Uint64 round-trip: got %#x", got)
	}
}

func TestCRC32KnownVector(t *testing.T) {
	// "123456789" is the standard CRC-32/IEEE (zlib) test vector.
	got := bytecodec.CRC32([]byte("123456789"))
	want := uint32(0xCBF43926)
	if got != want {
		t.Errorf("CRC32(%q) = %#x, want %#x", "123456789", got, want)
	}
}

func TestCRC32DetectsSingleBitFlip(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	orig := bytecodec.CRC32(buf)
	for bit := 0; bit < 8; bit++ {
		flipped := append([]byte{}, buf...)
		flipped[3] ^= 1 << uint(bit)
		if bytecodec.CRC32(flipped) == orig {
			t.Errorf("bit %d flip in byte 3 was not detected", bit)
		}
	}
}

func TestSimpleSum(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0xFF}
	got := bytecodec.SimpleSum(buf)
	want := uint32(1 + 2 + 3 + 255)
	if got != want {
		t.Errorf("SimpleSum = %d, want %d", got, want)
	}
}
