/*Package server ties the XOE core together into the top-level relay
object main owns; handlers receive references to its fields rather
than reaching for process globals.  Initialisation order is fixed:
config, then the client pool, then the TLS context, then the USB
routing server, then the listening socket.

The relay accepts plain-TCP or TLS connections on the XOE port and
runs one detached dispatcher goroutine per connection.  If an NBD
export is configured, a second listener accepts native NBD clients on
their own dedicated port, one session goroutine each (§2 data flow:
native NBD clients never see the XOE envelope).
*/
package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/xoe/blockdev"
	"github.com/nasa-jpl/xoe/clientpool"
	"github.com/nasa-jpl/xoe/dispatcher"
	"github.com/nasa-jpl/xoe/nbdsession"
	"github.com/nasa-jpl/xoe/tlsadapter"
	"github.com/nasa-jpl/xoe/usbauth"
	"github.com/nasa-jpl/xoe/usbrouter"
	"github.com/nasa-jpl/xoe/xoeconfig"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// ShutdownTimeout bounds how long Shutdown waits for dispatcher
// goroutines to release their pool slots before force-clearing (§4.J).
const ShutdownTimeout = 5 * time.Second

// Server is the XOE relay: pool, router, dispatcher, and listeners.
type Server struct {
	cfg xoeconfig.Config

	Pool   *clientpool.Pool
	Router *usbrouter.Router

	dispatch  *dispatcher.Dispatcher
	tlsConfig *tls.Config

	backend *blockdev.FileBackend

	xoeListener net.Listener
	nbdListener net.Listener
	closing     atomic.Bool
}

// New builds a Server from a validated configuration, wiring the pool,
// TLS context, authenticator, and USB router in that order.  It does
// not open any sockets; ListenAndServe does.
func New(cfg xoeconfig.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool := clientpool.New(cfg.MaxClients)

	var tlsConfig *tls.Config
	switch cfg.Encryption {
	case xoeconfig.EncryptionTLS12, xoeconfig.EncryptionTLS13:
		version := tlsadapter.TLS12
		if cfg.Encryption == xoeconfig.EncryptionTLS13 {
			version = tlsadapter.TLS13
		}
		var err error
		tlsConfig, err = tlsadapter.ServerConfig(cfg.CertPath, cfg.KeyPath, version)
		if err != nil {
			return nil, err
		}
	}

	auth := usbauth.New([]byte(cfg.USBAuthSecret), cfg.USBClassWhitelist)
	router := usbrouter.New(usbrouter.DefaultMaxClients, auth)

	s := &Server{
		cfg:       cfg,
		Pool:      pool,
		Router:    router,
		tlsConfig: tlsConfig,
	}
	s.dispatch = &dispatcher.Dispatcher{Pool: pool, USBRouter: router, TLSConfig: tlsConfig}
	return s, nil
}

// ListenAndServe opens the XOE listener (and the NBD listener when an
// export is configured) and blocks serving the XOE accept loop until
// Shutdown closes the listeners.  IPv4 only, per the relay's scope.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return xoeerr.New(xoeerr.NetworkError, "server.ListenAndServe", err)
	}

	if s.cfg.NBD.Enable {
		if err := s.startNBD(); err != nil {
			ln.Close()
			return err
		}
	}

	log.Printf("server: listening for XOE clients at %s", ln.Addr())
	return s.Serve(ln)
}

// Serve runs the XOE accept loop on an already-open listener.  Each
// accepted connection gets its own detached dispatcher goroutine;
// Serve itself returns only when the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.xoeListener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			return xoeerr.New(xoeerr.NetworkError, "server.Serve", err)
		}
		go s.dispatch.Serve(conn)
	}
}

// startNBD opens the configured export and its dedicated listener,
// then spawns the NBD accept loop.
func (s *Server) startNBD() error {
	backend, err := blockdev.Open(s.cfg.NBD.ExportPath, s.cfg.NBD.ReadOnly, s.cfg.NBD.Size, s.cfg.NBD.BlockSize)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.NBD.ListenPort)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		backend.Close()
		return xoeerr.New(xoeerr.NetworkError, "server.startNBD", err)
	}
	s.backend = backend
	log.Printf("server: exporting %s (%d bytes) for NBD clients at %s", s.cfg.NBD.ExportPath, backend.Size(), ln.Addr())

	go s.ServeNBD(ln, backend)
	return nil
}

// ServeNBD runs the NBD accept loop on an already-open listener
// against an already-open backend, one session goroutine per client.
func (s *Server) ServeNBD(ln net.Listener, backend blockdev.Backend) {
	s.nbdListener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			sess := nbdsession.New(c, backend, s.cfg.NBD.ExportName)
			if err := sess.Serve(); err != nil {
				log.Printf("server: NBD session with %s ended: %v", c.RemoteAddr(), err)
			}
			c.Close()
		}(conn)
	}
}

// Shutdown closes the listeners, disconnects every pooled client, and
// waits up to ShutdownTimeout for dispatcher goroutines to drain.
// All shutdown is cooperative: closing sockets wakes blocked I/O, and
// stragglers are force-cleared with a warning (§5).
func (s *Server) Shutdown() {
	s.closing.Store(true)
	if s.xoeListener != nil {
		s.xoeListener.Close()
	}
	if s.nbdListener != nil {
		s.nbdListener.Close()
	}
	s.Pool.DisconnectAll()
	s.Pool.WaitForIdle(ShutdownTimeout)
	if s.backend != nil {
		s.backend.Close()
	}
}

// ActiveClients reports the number of in-use pool slots, for the
// introspection surface.
func (s *Server) ActiveClients() int { return s.Pool.ActiveCount() }
