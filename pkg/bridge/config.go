package bridge

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/kelseyhightower/envconfig"

	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/shm"
)

// EnvPrefix is the prefix of every configuration variable, e.g. SHMBUS_NAME.
const EnvPrefix = "shmbus"

// Config holds the settings shared by producers and consumers of a bridge.
type Config struct {
	// Scope is "session", "system" or "starter".
	Scope string `split_words:"true" default:"session"`
	// Name is the well-known name the consumer registers and producers address.
	Name string `split_words:"true" default:"org.srediag.ShmBus"`
	// NameFlags is passed to RequestName. The default replaces an existing owner.
	NameFlags uint32 `split_words:"true" default:"2"`
	// Interface defaults to Name.
	Interface string `split_words:"true"`
	Method    string `split_words:"true" default:"Publish"`

	// Region is the shared memory name a producer creates.
	Region     string `split_words:"true" default:"/shmbus"`
	RegionSize int    `split_words:"true" default:"4096"`
	RegionMode uint32 `split_words:"true" default:"0600"`
	// CachedRegions bounds how many announced regions a consumer keeps mapped.
	CachedRegions int `split_words:"true" default:"16"`

	PollInterval   time.Duration `split_words:"true" default:"200us"`
	Workers        int           `split_words:"true" default:"4"`
	ConnectRetries uint64        `split_words:"true" default:"5"`
	ConnectBackoff time.Duration `split_words:"true" default:"100ms"`

	LogLevel   string `split_words:"true" default:"warn"`
	HealthAddr string `split_words:"true" default:":8086"`
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() Config {
	return Config{
		Scope:          "session",
		Name:           "org.srediag.ShmBus",
		NameFlags:      uint32(dbus.NameFlagReplaceExisting),
		Method:         "Publish",
		Region:         "/shmbus",
		RegionSize:     4096,
		RegionMode:     shm.ModeOwnerRead | shm.ModeOwnerWrite,
		CachedRegions:  16,
		PollInterval:   bus.DefaultPollInterval,
		Workers:        4,
		ConnectRetries: 5,
		ConnectBackoff: 100 * time.Millisecond,
		LogLevel:       "warn",
		HealthAddr:     ":8086",
	}
}

// LoadConfig reads SHMBUS_* variables over the defaults and verifies the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// VerifyConfig reports the first invalid setting.
func VerifyConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name must be set")
	}
	if cfg.Method == "" {
		return fmt.Errorf("method must be set")
	}
	if err := shm.ValidateName(cfg.Region); err != nil {
		return fmt.Errorf("region %q: %w", cfg.Region, err)
	}
	if cfg.RegionSize <= 0 {
		return fmt.Errorf("region size must be positive, got %d", cfg.RegionSize)
	}
	if cfg.RegionMode > 0o777 {
		return fmt.Errorf("region mode %o has bits outside 0777", cfg.RegionMode)
	}
	if cfg.CachedRegions <= 0 {
		return fmt.Errorf("cached regions must be positive, got %d", cfg.CachedRegions)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return nil
}

// BusScope returns the configured scope. Unknown values select the session bus.
func (c Config) BusScope() bus.Scope {
	return bus.ParseScope(c.Scope)
}

// BusInterface returns Interface, or Name when Interface is empty.
func (c Config) BusInterface() string {
	if c.Interface != "" {
		return c.Interface
	}
	return c.Name
}

// Filter returns the listener filter matching the calls producers send.
func (c Config) Filter() bus.Filter {
	return bus.Filter{Interface: c.BusInterface(), Method: c.Method}
}
