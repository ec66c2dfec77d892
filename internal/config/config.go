// Package config holds runtime settings for the messaging client and the
// key/relay server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type (
	Config struct {
		Log      Log
		Server   Server
		Mongo    Mongo
		Redis    Redis
		KeyStore KeyStore
		Keys     Keys
		Cache    Cache
		Legacy   Legacy
		Metrics  Metrics
	}

	Log struct {
		Level       string
		Development bool
	}

	// Server is the address of the key distribution / relay server. The
	// client dials it, the server listens on it.
	Server struct {
		Addr           string
		RequestTimeout Duration
	}

	Mongo struct {
		URI      string
		Database string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// KeyStore selects where private key material lives.
	//
	// Backend is one of auto, bolt, redis, memory. With auto the bolt file
	// under Dir is tried first and Redis second.
	KeyStore struct {
		Backend          string
		Dir              string
		DeviceSecretFile string
		Iterations       int
	}

	Keys struct {
		InitialPreKeys int
		BatchSize      int
		MinPreKeys     int
	}

	Cache struct {
		PendingTTL   Duration
		MaxConfirmed int
	}

	Legacy struct {
		SharedKey string
	}

	Metrics struct {
		Addr string
	}
)

// Duration wraps time.Duration so TOML files can say "60s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadDefaults populates c with the values used when no file is given.
func (c *Config) LoadDefaults() {
	c.Log = Log{Level: "info"}
	c.Server = Server{Addr: "localhost:9090", RequestTimeout: Duration{10 * time.Second}}
	c.Mongo = Mongo{URI: "mongodb://localhost:27017", Database: "mydb"}
	c.Redis = Redis{Addr: "localhost:6379"}
	c.KeyStore = KeyStore{
		Backend:          "auto",
		Dir:              defaultDataDir(),
		DeviceSecretFile: "device.secret",
		Iterations:       310000,
	}
	c.Keys = Keys{InitialPreKeys: 100, BatchSize: 100, MinPreKeys: 10}
	c.Cache = Cache{PendingTTL: Duration{60 * time.Second}, MaxConfirmed: 1000}
	c.Legacy = Legacy{SharedKey: "e2e-messaging-legacy-shared-key"}
}

// Load applies defaults and then overlays the TOML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.KeyStore.Backend {
	case "auto", "bolt", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown keystore backend %q", c.KeyStore.Backend)
	}
	if c.KeyStore.Iterations < 1 {
		return fmt.Errorf("config: keystore iterations must be positive")
	}
	if c.Keys.BatchSize < 1 || c.Keys.InitialPreKeys < 1 {
		return fmt.Errorf("config: prekey batch sizes must be positive")
	}
	if c.Cache.MaxConfirmed < 1 {
		return fmt.Errorf("config: cache.maxconfirmed must be positive")
	}
	return nil
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".e2e_messaging"
	}
	return dir + string(os.PathSeparator) + "e2e_messaging"
}
