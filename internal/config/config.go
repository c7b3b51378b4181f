// config.go — §6 Config: a JSON document with four sections the core
// consumes; unknown keys are ignored by construction since Viper only
// reads the keys the struct below names.
package config

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
)

// Certificate names a TLS keypair on disk.
type Certificate struct {
	File string `mapstructure:"file"`
	Key  string `mapstructure:"key"`
}

// Domain is one webserver.domains entry.
type Domain struct {
	Name        string      `mapstructure:"name"`
	Path        string      `mapstructure:"path"`
	Certificate Certificate `mapstructure:"certificate"`
}

// Webserver is the webserver.* config section.
type Webserver struct {
	Domains []Domain `mapstructure:"domains"`
}

// SocketEndpoint is a host/port/type socket descriptor, as used for
// signalling_server and for forwarding targets elsewhere in the wire
// protocol.
type SocketEndpoint struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Type string `mapstructure:"type"`
}

// Config is the full top-level document the core consumes.
type Config struct {
	Webserver              Webserver      `mapstructure:"webserver"`
	SignallingServer       SocketEndpoint `mapstructure:"signalling_server"`
	ReconnectIntervalSecs  int            `mapstructure:"reconnect_interval_secs"`
	LockTimeoutMsecs       int            `mapstructure:"lock_timeout_msecs"`
}

// Default reconnect/lock timeout values used when the config document omits
// them (zero value would otherwise mean "never" / "no timeout").
const (
	DefaultReconnectIntervalSecs = 5
	DefaultLockTimeoutMsecs      = 2000
)

// Load reads and decodes a JSON config document from path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return decode(v)
}

// LoadBytes decodes a JSON config document already in memory (used by
// tests and by hosts that embed their own config file discovery).
func LoadBytes(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ReconnectIntervalSecs: DefaultReconnectIntervalSecs,
		LockTimeoutMsecs:      DefaultLockTimeoutMsecs,
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}
