package serialbridge

import (
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/xoe/xoeerr"
)

// PortConfig mirrors the serial-client configuration fields of the CLI
// surface (§6): device path plus the usual RS-232 parameters.
type PortConfig struct {
	Device   string
	Baud     int
	Parity   serial.Parity
	DataBits byte
	StopBits serial.StopBits
	// ReadTimeout bounds a single Read call on the underlying port, via
	// timeoutPort below.  tarm/serial's Port has no deadline support of
	// its own, unlike net.Conn or tls.Conn, so XOE layers one on.
	ReadTimeout time.Duration
}

// OpenPort opens the local serial device described by cfg, returning
// an io.ReadWriteCloser suitable for use as the producer/consumer side
// of a RingBuffer bridge.
func OpenPort(cfg PortConfig) (io.ReadWriteCloser, error) {
	conf := &serial.Config{
		Name:     cfg.Device,
		Baud:     cfg.Baud,
		Parity:   cfg.Parity,
		Size:     cfg.DataBits,
		StopBits: cfg.StopBits,
	}
	port, err := serial.OpenPort(conf)
	if err != nil {
		return nil, xoeerr.New(xoeerr.IoError, "serialbridge.OpenPort", err)
	}
	if cfg.ReadTimeout <= 0 {
		return port, nil
	}
	return &timeoutPort{rwc: port, timeout: cfg.ReadTimeout}, nil
}

// timeoutPort wraps a serial port (or any io.ReadWriteCloser lacking
// its own deadline support) with a bounded Read, using the usual
// goroutine-plus-select pattern for readers without native deadlines.
// A Read that does not complete within timeout returns a Timeout
// error; the goroutine it launched is abandoned and its result
// discarded when it eventually completes.
type timeoutPort struct {
	rwc     io.ReadWriteCloser
	timeout time.Duration
}

func (t *timeoutPort) Read(b []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := t.rwc.Read(b)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(t.timeout):
		return 0, xoeerr.New(xoeerr.Timeout, "serialbridge.timeoutPort.Read", nil)
	}
}

func (t *timeoutPort) Write(b []byte) (int, error) {
	return t.rwc.Write(b)
}

func (t *timeoutPort) Close() error {
	return t.rwc.Close()
}
