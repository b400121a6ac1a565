package envelope_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/xoeerr"
)

func TestRoundTrip(t *testing.T) {
	for _, pid := range []uint16{envelope.Raw, envelope.Serial, envelope.NBD} {
		payload := []byte("hello from the other side")
		pkt, err := envelope.NewPacket(pid, 1, payload)
		if err != nil {
			t.Fatalf("NewPacket: %v", err)
		}

		var buf bytes.Buffer
		if err := envelope.SendPacket(&buf, pkt); err != nil {
			t.Fatalf("SendPacket: %v", err)
		}

		got, err := envelope.RecvPacket(&buf)
		if err != nil {
			t.Fatalf("RecvPacket: %v", err)
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Errorf("payload mismatch: got %q want %q", got.Payload, payload)
		}
		want := envelope.HeaderChecksum(pid, 1, payload)
		if got.Checksum != want {
			t.Errorf("checksum mismatch: got %#x want %#x", got.Checksum, want)
		}
	}
}

func TestChecksumMismatchOnBitFlip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pkt, _ := envelope.NewPacket(envelope.NBD, 1, payload)

	var buf bytes.Buffer
	if err := envelope.SendPacket(&buf, pkt); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	wire := buf.Bytes()
	wire[len(wire)-1] ^= 0x01 // flip a bit in the payload, not the checksum field

	_, err := envelope.RecvPacket(bytes.NewReader(wire))
	if !xoeerr.Is(err, xoeerr.ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
}

func TestOversizeLengthRejectedWithoutReadingPayload(t *testing.T) {
	hdr := make([]byte, envelope.HeaderLen)
	// protocol_id=0, protocol_version=1, payload_length = MaxPayload+1
	hdr[1] = 0
	hdr[3] = 1
	hdr[4] = 0x00
	hdr[5] = 0x10
	hdr[6] = 0x00
	hdr[7] = 0x01 // 0x00100001 > 1MiB

	r := io.MultiReader(bytes.NewReader(hdr), errReader{})
	_, err := envelope.RecvPacket(r)
	if !xoeerr.Is(err, xoeerr.ProtocolError) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("must not be read") }

func TestPartialWritesAreRetried(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 5000)
	pkt, _ := envelope.NewPacket(envelope.Raw, 1, payload)

	pw := &partialWriter{}
	if err := envelope.SendPacket(pw, pkt); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	got, err := envelope.RecvPacket(bytes.NewReader(pw.buf.Bytes()))
	if err != nil {
		t.Fatalf("RecvPacket: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload mismatch after partial writes")
	}
}

// partialWriter accepts at most 7 bytes per Write call, forcing
// writeFull to loop.
type partialWriter struct {
	buf bytes.Buffer
}

func (p *partialWriter) Write(b []byte) (int, error) {
	if len(b) > 7 {
		b = b[:7]
	}
	return p.buf.Write(b)
}
