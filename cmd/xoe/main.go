// Command xoe runs the X-over-Ethernet relay, either as the central
// server or as one of the client modes bridging a local resource
// (stdin, a serial port, USB devices) onto the relay's wire protocol.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/tarm/serial"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/xoe/serialbridge"
	"github.com/nasa-jpl/xoe/server"
	"github.com/nasa-jpl/xoe/usbproto"
	"github.com/nasa-jpl/xoe/xoeadmin"
	"github.com/nasa-jpl/xoe/xoeclient"
	"github.com/nasa-jpl/xoe/xoeconfig"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "dev"

	// ConfigFileName is what it sounds like
	ConfigFileName = "xoe.yml"
)

func root() {
	str := `xoe tunnels device-level I/O (USB request blocks, NBD block requests,
raw serial bytes) between remote clients and a central relay server
over a single framed TCP/TLS wire protocol.

Usage:
	xoe <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `xoe is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used (server mode,
port 12345, no encryption).  The command mkconf generates the
configuration file with the default values.  The mode key selects what
run does: server, client, client-serial, or client-usb.`
	fmt.Println(str)
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	c := xoeconfig.Defaults()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := xoeconfig.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("xoe version %v\n", Version)
}

func banner(c xoeconfig.Config) {
	hi := color.New(color.FgHiCyan)
	hi.Printf("xoe %s\n", Version)
	hi.Printf("  mode        %s\n", c.Mode)
	if c.Mode == xoeconfig.ModeServer {
		hi.Printf("  listen      %s:%d\n", c.ListenAddress, c.ListenPort)
	} else {
		hi.Printf("  server      %s:%d\n", c.ServerIP, c.ServerPort)
	}
	hi.Printf("  encryption  %s\n", c.Encryption)
}

// portConfig maps the YAML serial settings onto the serial package's
// open parameters.
func portConfig(c xoeconfig.SerialConfig) serialbridge.PortConfig {
	parity := serial.ParityNone
	switch strings.ToUpper(c.Parity) {
	case "E":
		parity = serial.ParityEven
	case "O":
		parity = serial.ParityOdd
	}
	stop := serial.Stop1
	if c.StopBits == 2 {
		stop = serial.Stop2
	}
	return serialbridge.PortConfig{
		Device:   c.Device,
		Baud:     c.Baud,
		Parity:   parity,
		DataBits: byte(c.DataBits),
		StopBits: stop,
	}
}

func onSignal(f func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		f()
	}()
}

func runServer(c xoeconfig.Config) {
	s, err := server.New(c)
	if err != nil {
		log.Fatal(err)
	}
	if c.AdminAddress != "" {
		admin := &xoeadmin.Admin{Pool: s.Pool, Router: s.Router}
		go func() {
			if err := admin.ListenAndServe(c.AdminAddress); err != nil {
				log.Printf("admin surface exited: %v", err)
			}
		}()
	}
	onSignal(s.Shutdown)
	if err := s.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func runClientStd(c xoeconfig.Config, maker xoeclient.ConnMaker) {
	conn, err := maker()
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	onSignal(func() { conn.Close() })
	std := &xoeclient.StdClient{Conn: conn, In: os.Stdin, Out: os.Stdout}
	if err := std.Run(); err != nil {
		log.Fatal(err)
	}
}

func runClientSerial(c xoeconfig.Config, maker xoeclient.ConnMaker) {
	port, err := serialbridge.OpenPort(portConfig(c.Serial))
	if err != nil {
		log.Fatal(err)
	}
	conn, err := maker()
	if err != nil {
		port.Close()
		log.Fatal(err)
	}
	bridge := xoeclient.NewSerialBridge(conn, port)
	onSignal(bridge.Close)
	bridge.Run()
}

func runClientUSB(c xoeconfig.Config, maker xoeclient.ConnMaker) {
	conn, err := maker()
	if err != nil {
		log.Fatal(err)
	}
	client := xoeclient.NewUSBClient(conn, []byte(c.USBAuthSecret))
	for _, dev := range c.USB {
		if err := client.Register(dev); err != nil {
			log.Fatalf("registering %04x:%04x: %v", dev.VID, dev.PID, err)
		}
		log.Printf("registered device %04x:%04x (class %#02x)", dev.VID, dev.PID, dev.Class)
	}
	onSignal(func() { client.Close() })
	err = client.Run(func(h usbproto.Header, data []byte) {
		// the local transfer layer (libusb plumbing) plugs in here;
		// until a device backend is attached, routed URBs are surfaced
		// in the log so a deployment can be smoke-tested end to end
		log.Printf("URB cmd=%#04x dev=%04x:%04x ep=%#02x len=%d", h.Command, h.VID(), h.PID(), h.Endpoint, len(data))
	})
	if err != nil {
		log.Fatal(err)
	}
}

func run() {
	c, err := xoeconfig.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	banner(c)

	switch c.Mode {
	case xoeconfig.ModeHelp:
		help()
	case xoeconfig.ModeServer:
		runServer(c)
	default:
		maker, err := xoeclient.MakerFromConfig(c)
		if err != nil {
			log.Fatal(err)
		}
		switch c.Mode {
		case xoeconfig.ModeClientStd:
			runClientStd(c, maker)
		case xoeconfig.ModeClientSerial:
			runClientSerial(c, maker)
		case xoeconfig.ModeClientUSB:
			runClientUSB(c, maker)
		}
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
