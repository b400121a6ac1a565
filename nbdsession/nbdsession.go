/*Package nbdsession implements the native NBD Fixed-Newstyle session
state machine (§4.F): GREETING -> OPT_NEG -> TRANSMISSION -> CLOSED,
running directly on the TCP connection a native NBD client opened -
not wrapped in an XOE envelope, per PROTOCOL.md §2's data-flow note that NBD
clients speak the standard wire protocol.
*/
package nbdsession

import (
	"encoding/binary"
	"errors"
	"io"
	"log"

	"github.com/nasa-jpl/xoe/blockdev"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// Handshake magics and request/reply magics (§4.F, §6).
const (
	nbdMagic    uint64 = 0x4e42444d41474943
	iHaveOpt    uint64 = 0x49484156454F5054
	requestMagic uint32 = 0x25609513
	replyMagic   uint32 = 0x67446698
)

// Transmission flag bits (§4.F).
const (
	FlagHasFlags  uint16 = 1 << 0
	FlagReadOnly  uint16 = 1 << 1
	FlagSendFlush uint16 = 1 << 2
	FlagSendFUA   uint16 = 1 << 3
	FlagRotational uint16 = 1 << 4
	FlagSendTrim  uint16 = 1 << 5
)

// Server handshake flags sent during GREETING.
const serverFlagHasFlags uint16 = 1 << 0

// NBD_OPT_EXPORT_NAME is the only option this server negotiates.
const optExportName uint32 = 1

// Request types (§4.F).
const (
	CmdRead  uint16 = 0
	CmdWrite uint16 = 1
	CmdDisc  uint16 = 2
	CmdFlush uint16 = 3
	CmdTrim  uint16 = 4
)

// NBD error codes (§6), used in the simple reply's error field.
const (
	errOK        uint32 = 0
	errEPERM     uint32 = 1
	errEIO       uint32 = 5
	errENOMEM    uint32 = 12
	errEINVAL    uint32 = 22
	errENOSPC    uint32 = 28
	errEOVERFLOW uint32 = 75
	errESHUTDOWN uint32 = 108
)

// state enumerates the handshake states (§4.F).
type state int

const (
	stateGreeting state = iota
	stateOptNeg
	stateTransmission
	stateClosed
)

// Session holds NBD session state for one native connection (§3).
type Session struct {
	conn       io.ReadWriteCloser
	backend    blockdev.Backend
	exportName string

	state              state
	exportSize         uint64
	transmissionFlags  uint16
}

// New creates a session bound to conn and backend.  exportName is
// compared against the client's EXPORT_NAME option during handshake;
// an empty exportName matches anything (single-export server).
func New(conn io.ReadWriteCloser, backend blockdev.Backend, exportName string) *Session {
	return &Session{conn: conn, backend: backend, exportName: exportName, state: stateGreeting}
}

// TransmissionFlags builds the flags advertised after handshake from
// the backend's capabilities (§4.F).  HAS_FLAGS is always set; the
// block backend contract always implements Flush and Trim (the latter
// as a possible no-op), so SEND_FLUSH and SEND_TRIM are unconditional;
// READ_ONLY tracks the backend.
func TransmissionFlags(backend blockdev.Backend) uint16 {
	flags := FlagHasFlags | FlagSendFlush | FlagSendTrim
	if backend.IsReadOnly() {
		flags |= FlagReadOnly
	}
	return flags
}

// Serve drives the session to completion: handshake, then the request
// loop, until the client disconnects (DISC or EOF) or a protocol
// violation forces the session closed.  A clean shutdown returns nil.
func (s *Session) Serve() error {
	if err := s.handshake(); err != nil {
		return err
	}
	return s.requestLoop()
}

func (s *Session) handshake() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:16], iHaveOpt)
	binary.BigEndian.PutUint16(greeting[16:18], serverFlagHasFlags)
	if err := writeFull(s.conn, greeting); err != nil {
		return err
	}

	clientFlags := make([]byte, 4)
	if err := readFull(s.conn, clientFlags); err != nil {
		return err
	}
	_ = binary.BigEndian.Uint32(clientFlags) // client flags are informational only

	s.state = stateOptNeg
	return s.negotiateOption()
}

func (s *Session) negotiateOption() error {
	hdr := make([]byte, 16)
	if err := readFull(s.conn, hdr); err != nil {
		return err
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != iHaveOpt {
		s.state = stateClosed
		return xoeerr.New(xoeerr.ProtocolError, "nbdsession.negotiateOption", errors.New("invalid option magic"))
	}
	code := binary.BigEndian.Uint32(hdr[8:12])
	length := binary.BigEndian.Uint32(hdr[12:16])

	name := make([]byte, length)
	if err := readFull(s.conn, name); err != nil {
		return err
	}

	if code != optExportName {
		s.state = stateClosed
		return xoeerr.New(xoeerr.NotSupported, "nbdsession.negotiateOption", nil)
	}
	if s.exportName != "" && string(name) != s.exportName {
		s.state = stateClosed
		return xoeerr.New(xoeerr.InvalidArgument, "nbdsession.negotiateOption", errors.New("unknown export name"))
	}

	s.exportName = string(name)
	s.exportSize = s.backend.Size()
	s.transmissionFlags = TransmissionFlags(s.backend)

	reply := make([]byte, 8+2+124)
	binary.BigEndian.PutUint64(reply[0:8], s.exportSize)
	binary.BigEndian.PutUint16(reply[8:10], s.transmissionFlags)
	// reply[10:134] is already zero-valued: the 124 reserved bytes.
	if err := writeFull(s.conn, reply); err != nil {
		return err
	}

	s.state = stateTransmission
	return nil
}

type request struct {
	flags  uint16
	typ    uint16
	cookie uint64
	offset uint64
	length uint32
}

func (s *Session) readRequest() (request, error) {
	buf := make([]byte, 28)
	if err := readFull(s.conn, buf); err != nil {
		return request{}, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != requestMagic {
		return request{}, xoeerr.New(xoeerr.ProtocolError, "nbdsession.readRequest", errors.New("invalid request magic"))
	}
	return request{
		flags:  binary.BigEndian.Uint16(buf[4:6]),
		typ:    binary.BigEndian.Uint16(buf[6:8]),
		cookie: binary.BigEndian.Uint64(buf[8:16]),
		offset: binary.BigEndian.Uint64(buf[16:24]),
		length: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

func (s *Session) simpleReply(cookie uint64, errCode uint32, data []byte) error {
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(buf[0:4], replyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errCode)
	binary.BigEndian.PutUint64(buf[8:16], cookie)
	copy(buf[16:], data)
	return writeFull(s.conn, buf)
}

func (s *Session) requestLoop() error {
	for {
		req, err := s.readRequest()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				s.state = stateClosed
				return nil
			}
			return err
		}

		switch req.typ {
		case CmdRead:
			data, rerr := s.backend.Pread(int64(req.offset), req.length)
			if rerr != nil {
				log.Printf("nbdsession: read error at offset %d length %d: %v", req.offset, req.length, rerr)
				if err := s.simpleReply(req.cookie, errEIO, nil); err != nil {
					return err
				}
				continue
			}
			if err := s.simpleReply(req.cookie, errOK, data); err != nil {
				return err
			}

		case CmdWrite:
			data := make([]byte, req.length)
			if err := readFull(s.conn, data); err != nil {
				return err
			}
			if werr := s.backend.Pwrite(int64(req.offset), data); werr != nil {
				log.Printf("nbdsession: write error at offset %d length %d: %v", req.offset, req.length, werr)
				if err := s.simpleReply(req.cookie, errEIO, nil); err != nil {
					return err
				}
				continue
			}
			if err := s.simpleReply(req.cookie, errOK, nil); err != nil {
				return err
			}

		case CmdDisc:
			s.state = stateClosed
			return nil

		case CmdFlush:
			errCode := errOK
			if ferr := s.backend.Flush(); ferr != nil {
				log.Printf("nbdsession: flush error: %v", ferr)
				errCode = errEIO
			}
			if err := s.simpleReply(req.cookie, errCode, nil); err != nil {
				return err
			}

		case CmdTrim:
			if terr := s.backend.Trim(int64(req.offset), req.length); terr != nil {
				log.Printf("nbdsession: trim error (non-fatal) at offset %d length %d: %v", req.offset, req.length, terr)
			}
			if err := s.simpleReply(req.cookie, errOK, nil); err != nil {
				return err
			}

		default:
			if err := s.simpleReply(req.cookie, errEINVAL, nil); err != nil {
				return err
			}
		}
	}
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return xoeerr.New(xoeerr.NetworkError, "nbdsession.writeFull", err)
		}
		buf = buf[n:]
	}
	return nil
}
