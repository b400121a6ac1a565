/*Package xoeconfig holds the configuration surface the outer CLI hands
the XOE core (§6): mode selection, listen/connect addresses, encryption
settings, serial parameters, USB device descriptions, and the USB
authentication policy.

Loading follows a defaults-then-file order: Defaults() populates every
field with its documented default, and Load overlays an optional YAML
file on top.  A missing file is not an error; a malformed one is.
*/
package xoeconfig

import (
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/xoe/xoeerr"
)

// Mode enumerates the run modes of the outer application (§6).
type Mode string

const (
	ModeHelp         Mode = "help"
	ModeServer       Mode = "server"
	ModeClientStd    Mode = "client"
	ModeClientSerial Mode = "client-serial"
	ModeClientUSB    Mode = "client-usb"
)

// Encryption enumerates the wire encryption modes (§6).
type Encryption string

const (
	EncryptionNone  Encryption = "none"
	EncryptionTLS12 Encryption = "tls1.2"
	EncryptionTLS13 Encryption = "tls1.3"
)

// DefaultPort is the default XOE listen/connect port (§6).
const DefaultPort = 12345

// SerialConfig holds the RS-232 parameters for the serial-client mode.
type SerialConfig struct {
	Device   string `koanf:"device" yaml:"device"`
	Baud     int    `koanf:"baud" yaml:"baud"`
	Parity   string `koanf:"parity" yaml:"parity"` // "N", "E", or "O"
	DataBits int    `koanf:"databits" yaml:"databits"`
	StopBits int    `koanf:"stopbits" yaml:"stopbits"`
	Flow     string `koanf:"flow" yaml:"flow"` // "none" or "hw"
}

// USBDeviceConfig describes one USB device a client exposes (§6).
type USBDeviceConfig struct {
	VID       uint16 `koanf:"vid" yaml:"vid"`
	PID       uint16 `koanf:"pid" yaml:"pid"`
	Class     uint8  `koanf:"class" yaml:"class"`
	EndpointIn  uint8 `koanf:"endpointin" yaml:"endpointin"`
	EndpointOut uint8 `koanf:"endpointout" yaml:"endpointout"`
	TimeoutMS int    `koanf:"timeoutms" yaml:"timeoutms"`
}

// NBDConfig describes the native NBD listener and its export.
type NBDConfig struct {
	Enable     bool   `koanf:"enable" yaml:"enable"`
	ListenPort int    `koanf:"listenport" yaml:"listenport"`
	ExportPath string `koanf:"exportpath" yaml:"exportpath"`
	ExportName string `koanf:"exportname" yaml:"exportname"`
	ReadOnly   bool   `koanf:"readonly" yaml:"readonly"`
	// Size overrides the stat-derived export size; required for block
	// devices, whose capacity the caller discovers by platform means.
	Size      uint64 `koanf:"size" yaml:"size"`
	BlockSize uint32 `koanf:"blocksize" yaml:"blocksize"`
}

// Config is the full configuration struct handed to server or client
// startup (§6 CLI surface).
type Config struct {
	Mode Mode `koanf:"mode" yaml:"mode"`

	ListenAddress string `koanf:"listenaddress" yaml:"listenaddress"`
	ListenPort    int    `koanf:"listenport" yaml:"listenport"`

	ServerIP   string `koanf:"serverip" yaml:"serverip"`
	ServerPort int    `koanf:"serverport" yaml:"serverport"`

	Encryption Encryption `koanf:"encryption" yaml:"encryption"`
	CertPath   string     `koanf:"certpath" yaml:"certpath"`
	KeyPath    string     `koanf:"keypath" yaml:"keypath"`

	MaxClients int `koanf:"maxclients" yaml:"maxclients"`

	Serial SerialConfig      `koanf:"serial" yaml:"serial"`
	USB    []USBDeviceConfig `koanf:"usb" yaml:"usb"`
	NBD    NBDConfig         `koanf:"nbd" yaml:"nbd"`

	USBAuthSecret     string  `koanf:"usbauthsecret" yaml:"usbauthsecret"`
	USBClassWhitelist []uint8 `koanf:"usbclasswhitelist" yaml:"usbclasswhitelist"`

	// AdminAddress binds the introspection HTTP surface; empty disables it.
	AdminAddress string `koanf:"adminaddress" yaml:"adminaddress"`
}

// MaxWhitelistLen bounds the class whitelist (§6).
const MaxWhitelistLen = 16

// Defaults returns the configuration used when no file overrides it.
func Defaults() Config {
	return Config{
		Mode:       ModeServer,
		ListenPort: DefaultPort,
		ServerPort: DefaultPort,
		Encryption: EncryptionNone,
		MaxClients: 32,
		Serial: SerialConfig{
			Baud:     115200,
			Parity:   "N",
			DataBits: 8,
			StopBits: 1,
			Flow:     "none",
		},
		NBD: NBDConfig{ListenPort: 10809},
	}
}

// Load builds a Config from Defaults overlaid with the YAML file at
// path, if one exists.  A missing file silently yields the defaults,
// matching the convention that a fresh install runs without any config
// on disk.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Load", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return Config{}, xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Load", err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Load", err)
	}
	return c, nil
}

// LoadYAML converts a (path to a) yaml file into a Config without any
// default overlay; used by tests and tooling that want the file's
// literal contents.
func LoadYAML(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// Validate checks the cross-field constraints the core depends on.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeHelp, ModeServer, ModeClientStd, ModeClientSerial, ModeClientUSB:
	default:
		return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: mode", nil)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: listenport", nil)
	}
	switch c.Encryption {
	case EncryptionNone:
	case EncryptionTLS12, EncryptionTLS13:
		if c.CertPath == "" || c.KeyPath == "" {
			return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: certpath/keypath required with encryption", nil)
		}
	default:
		return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: encryption", nil)
	}
	if len(c.USBClassWhitelist) > MaxWhitelistLen {
		return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: usbclasswhitelist too long", nil)
	}
	if c.Mode == ModeClientSerial && c.Serial.Device == "" {
		return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: serial device required", nil)
	}
	if c.Mode != ModeServer && c.Mode != ModeHelp && c.ServerIP == "" {
		return xoeerr.New(xoeerr.InvalidArgument, "xoeconfig.Validate: serverip required in client modes", nil)
	}
	return nil
}
