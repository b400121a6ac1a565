package xoeconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nasa-jpl/xoe/xoeconfig"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	c, err := xoeconfig.Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Mode != xoeconfig.ModeServer {
		t.Fatalf("default mode = %q, want %q", c.Mode, xoeconfig.ModeServer)
	}
	if c.ListenPort != xoeconfig.DefaultPort {
		t.Fatalf("default listen port = %d, want %d", c.ListenPort, xoeconfig.DefaultPort)
	}
	if c.Encryption != xoeconfig.EncryptionNone {
		t.Fatalf("default encryption = %q, want %q", c.Encryption, xoeconfig.EncryptionNone)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xoe.yml")
	body := `mode: client-serial
serverip: 10.0.0.5
serial:
  device: /dev/ttyUSB0
  baud: 9600
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := xoeconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Mode != xoeconfig.ModeClientSerial {
		t.Fatalf("mode = %q, want client-serial", c.Mode)
	}
	if c.Serial.Device != "/dev/ttyUSB0" || c.Serial.Baud != 9600 {
		t.Fatalf("serial config not overlaid: %+v", c.Serial)
	}
	// untouched keys keep their defaults
	if c.Serial.DataBits != 8 || c.ListenPort != xoeconfig.DefaultPort {
		t.Fatalf("defaults lost under overlay: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*xoeconfig.Config)
	}{
		{"unknown mode", func(c *xoeconfig.Config) { c.Mode = "turbo" }},
		{"zero port", func(c *xoeconfig.Config) { c.ListenPort = 0 }},
		{"port too large", func(c *xoeconfig.Config) { c.ListenPort = 70000 }},
		{"tls without cert", func(c *xoeconfig.Config) { c.Encryption = xoeconfig.EncryptionTLS13 }},
		{"unknown encryption", func(c *xoeconfig.Config) { c.Encryption = "tls1.1" }},
		{"serial mode without device", func(c *xoeconfig.Config) {
			c.Mode = xoeconfig.ModeClientSerial
			c.ServerIP = "10.0.0.5"
		}},
		{"client mode without server ip", func(c *xoeconfig.Config) { c.Mode = xoeconfig.ModeClientStd }},
		{"oversized whitelist", func(c *xoeconfig.Config) {
			c.USBClassWhitelist = make([]uint8, xoeconfig.MaxWhitelistLen+1)
		}},
	}
	for _, tc := range cases {
		c := xoeconfig.Defaults()
		tc.mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected Validate to fail", tc.name)
		}
	}
}

func TestLoadYAMLReadsLiteralFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "literal.yml")
	if err := os.WriteFile(path, []byte("mode: server\nlistenport: 9999\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := xoeconfig.LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if c.ListenPort != 9999 {
		t.Fatalf("listenport = %d, want 9999", c.ListenPort)
	}
	// LoadYAML applies no defaults: untouched fields stay zero.
	if c.MaxClients != 0 {
		t.Fatalf("expected zero MaxClients from literal load, got %d", c.MaxClients)
	}
}
