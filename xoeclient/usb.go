package xoeclient

import (
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/xoe/envelope"
	"github.com/nasa-jpl/xoe/usbauth"
	"github.com/nasa-jpl/xoe/usbproto"
	"github.com/nasa-jpl/xoe/xoeconfig"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// URBHandler consumes a routed URB delivered to this client.  The data
// slice is only valid for the duration of the call.
type URBHandler func(usbproto.Header, []byte)

// USBClient is the USB peer side of the relay: it registers device ids
// with the server's routing registry, answers the authentication
// challenge, and exchanges SUBMIT/RET_SUBMIT URBs with whichever peer
// holds the other end of each device id.
type USBClient struct {
	conn net.Conn
	auth *usbauth.Authenticator

	sendMu sync.Mutex
	seq    uint32
}

// NewUSBClient wraps an established server connection.  secret is the
// shared HMAC secret; empty means the server has authentication
// disabled and no challenge is expected.
func NewUSBClient(conn net.Conn, secret []byte) *USBClient {
	return &USBClient{
		conn: conn,
		auth: usbauth.New(secret, nil),
	}
}

func (c *USBClient) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

func (c *USBClient) send(h usbproto.Header, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return envelope.SendPacket(c.conn, usbproto.Encapsulate(h, data))
}

func (c *USBClient) recv() (usbproto.Header, []byte, error) {
	for {
		pkt, err := envelope.RecvPacket(c.conn)
		if err != nil {
			return usbproto.Header{}, nil, err
		}
		if pkt.ProtocolID != envelope.USB {
			continue
		}
		return usbproto.Decapsulate(pkt)
	}
}

// Register announces one device to the server's routing registry and
// completes the challenge/response exchange if the server demands it.
// It must be called before Run starts the receive loop; replies are
// read directly off the connection here.
func (c *USBClient) Register(dev xoeconfig.USBDeviceConfig) error {
	deviceID := usbproto.DeviceID(dev.VID, dev.PID)
	reg := usbproto.Header{
		Command:  usbproto.CmdRegister,
		Seqnum:   c.nextSeq(),
		DeviceID: deviceID,
		Endpoint: dev.Class, // device_class rides in the endpoint field on REGISTER
	}
	if err := c.send(reg, nil); err != nil {
		return err
	}

	hdr, data, err := c.recv()
	if err != nil {
		return err
	}
	if hdr.Command != usbproto.CmdRetRegister {
		return xoeerr.New(xoeerr.ProtocolError, "xoeclient.Register", nil)
	}

	switch hdr.Status {
	case usbproto.StatusOK:
		return nil
	case usbproto.StatusClassBlocked:
		return xoeerr.New(xoeerr.ClassBlocked, "xoeclient.Register", nil)
	case usbproto.StatusAuthRequired:
	default:
		return xoeerr.New(xoeerr.AuthFailed, "xoeclient.Register", nil)
	}

	if len(data) != usbauth.ChallengeSize {
		return xoeerr.New(xoeerr.ProtocolError, "xoeclient.Register: challenge size", nil)
	}
	response := c.auth.Respond(data, deviceID, dev.Class)
	authHdr := usbproto.Header{
		Command:  usbproto.CmdRetAuth,
		Seqnum:   c.nextSeq(),
		DeviceID: deviceID,
	}
	if err := c.send(authHdr, response); err != nil {
		return err
	}

	hdr, _, err = c.recv()
	if err != nil {
		return err
	}
	if hdr.Command != usbproto.CmdRetRegister || hdr.Status != usbproto.StatusOK {
		return xoeerr.New(xoeerr.AuthFailed, "xoeclient.Register", nil)
	}
	return nil
}

// Unregister withdraws a device from the routing registry.
func (c *USBClient) Unregister(dev xoeconfig.USBDeviceConfig) error {
	h := usbproto.Header{
		Command:  usbproto.CmdUnregister,
		Seqnum:   c.nextSeq(),
		DeviceID: usbproto.DeviceID(dev.VID, dev.PID),
	}
	return c.send(h, nil)
}

// Submit sends a SUBMIT URB carrying data for the given device and
// endpoint.
func (c *USBClient) Submit(deviceID uint32, endpoint, transferType uint8, data []byte) error {
	h := usbproto.Header{
		Command:        usbproto.CmdSubmit,
		Seqnum:         c.nextSeq(),
		DeviceID:       deviceID,
		Endpoint:       endpoint,
		TransferType:   transferType,
		TransferLength: uint32(len(data)),
		ActualLength:   uint32(len(data)),
	}
	return c.send(h, data)
}

// Run is the network-receive loop (§5 USB client thread model): it
// delivers every routed URB to handler until the connection dies.
// Clean disconnect returns nil.
func (c *USBClient) Run(handler URBHandler) error {
	for {
		hdr, data, err := c.recv()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			if xoeerr.Is(err, xoeerr.ChecksumMismatch) {
				log.Printf("xoeclient: dropping URB with bad checksum: %v", err)
				continue
			}
			return err
		}
		handler(hdr, data)
	}
}

// Close tears the connection down, waking a blocked Run.
func (c *USBClient) Close() error {
	return c.conn.Close()
}
