// Package config holds client settings: defaults, optionally overridden by a TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Duration decodes TOML strings such as "15s"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	PeerIDPrefix       string   `toml:"peer_id_prefix"`
	Port               uint16   `toml:"port"`
	DownloadPath       string   `toml:"download_path"`
	PeerIdleTimeout    Duration `toml:"peer_idle_timeout"`
	DialTimeout        Duration `toml:"dial_timeout"`
	TrackerBaseTimeout Duration `toml:"tracker_base_timeout"`
	TrackerMaxRetries  int      `toml:"tracker_max_retries"`
	MaxPeers           int      `toml:"max_peers"`
	DialRate           float64  `toml:"dial_rate"` // new peer connections per second
	LogLevel           string   `toml:"log_level"`
}

func Default() Config {
	return Config{
		PeerIDPrefix:       "-GT0001-",
		Port:               6681,
		DownloadPath:       "./downloads",
		PeerIdleTimeout:    Duration{30 * time.Second},
		DialTimeout:        Duration{3 * time.Second},
		TrackerBaseTimeout: Duration{15 * time.Second},
		TrackerMaxRetries:  0,
		MaxPeers:           50,
		DialRate:           10,
		LogLevel:           "info",
	}
}

// Load reads path on top of the defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logrus.WithField("keys", undecoded).Warn("Ignoring unknown config keys")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if len(c.PeerIDPrefix) > 20 {
		return fmt.Errorf("peer_id_prefix %q longer than 20 bytes", c.PeerIDPrefix)
	}
	if c.TrackerMaxRetries < 0 {
		return fmt.Errorf("tracker_max_retries must not be negative, got %d", c.TrackerMaxRetries)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive, got %d", c.MaxPeers)
	}
	if c.DialRate <= 0 {
		return fmt.Errorf("dial_rate must be positive, got %v", c.DialRate)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
