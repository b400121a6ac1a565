package xoeclient

import (
	"io"
	"net"

	"github.com/nasa-jpl/xoe/envelope"
)

// StdChunk bounds one Raw envelope's payload when pumping a byte
// stream through the relay.
const StdChunk = 32 * 1024

// StdClient pumps an arbitrary byte stream (stdin/stdout in the CLI)
// through the relay as Raw envelopes.  The server echoes Raw packets
// back, so what comes out of Out is whatever the relay (or a future
// peer) returned for each chunk sent from In.
type StdClient struct {
	Conn net.Conn
	In   io.Reader
	Out  io.Writer
}

// Run pumps In to the server and the server back to Out until either
// side reaches EOF or fails.  A clean EOF on In half-closes the
// connection (write side only, and only for a plain *net.TCPConn) and
// drains the remaining replies; a clean EOF from the server returns
// nil.
func (s *StdClient) Run() error {
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- s.pumpOut()
	}()

	recvErr := s.pumpIn()

	if err := <-sendErr; err != nil && err != io.EOF {
		return err
	}
	if recvErr == io.EOF || recvErr == io.ErrUnexpectedEOF {
		return nil
	}
	return recvErr
}

func (s *StdClient) pumpOut() error {
	buf := make([]byte, StdChunk)
	for {
		n, err := s.In.Read(buf)
		if n > 0 {
			pkt, perr := envelope.NewPacket(envelope.Raw, 1, buf[:n])
			if perr != nil {
				return perr
			}
			if serr := envelope.SendPacket(s.Conn, pkt); serr != nil {
				return serr
			}
		}
		if err != nil {
			// input exhausted: half-close so the server sees EOF after
			// the final chunk, then let the receive side drain
			if tc, ok := s.Conn.(*net.TCPConn); ok {
				tc.CloseWrite()
			}
			return err
		}
	}
}

func (s *StdClient) pumpIn() error {
	for {
		pkt, err := envelope.RecvPacket(s.Conn)
		if err != nil {
			return err
		}
		if pkt.ProtocolID != envelope.Raw {
			continue
		}
		if _, err := s.Out.Write(pkt.Payload); err != nil {
			return err
		}
	}
}
