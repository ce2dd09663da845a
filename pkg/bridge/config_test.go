package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmbus/pkg/bus"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, uint32(0o600), cfg.RegionMode)
	assert.Equal(t, 200*time.Microsecond, cfg.PollInterval)
	assert.Equal(t, 16, cfg.CachedRegions)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SHMBUS_SCOPE", "system")
	t.Setenv("SHMBUS_NAME", "com.example.Frames")
	t.Setenv("SHMBUS_INTERFACE", "com.example.Frames1")
	t.Setenv("SHMBUS_REGION", "/frames")
	t.Setenv("SHMBUS_REGION_SIZE", "65536")
	t.Setenv("SHMBUS_REGION_MODE", "0640")
	t.Setenv("SHMBUS_WORKERS", "16")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, bus.System, cfg.BusScope())
	assert.Equal(t, "com.example.Frames", cfg.Name)
	assert.Equal(t, bus.Filter{Interface: "com.example.Frames1", Method: "Publish"}, cfg.Filter())
	assert.Equal(t, "/frames", cfg.Region)
	assert.Equal(t, 65536, cfg.RegionSize)
	assert.Equal(t, uint32(0o640), cfg.RegionMode)
	assert.Equal(t, 16, cfg.Workers)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("SHMBUS_REGION_SIZE", "-1")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("SHMBUS_REGION_SIZE", "not a number")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestVerifyConfig(t *testing.T) {
	assert.NoError(t, VerifyConfig(DefaultConfig()))

	for name, mutate := range map[string]func(*Config){
		"name":      func(c *Config) { c.Name = "" },
		"method":    func(c *Config) { c.Method = "" },
		"region":    func(c *Config) { c.Region = "/a/b" },
		"long":      func(c *Config) { c.Region = "/0123456789012345678901234567890" },
		"size":      func(c *Config) { c.RegionSize = 0 },
		"mode":      func(c *Config) { c.RegionMode = 0o1777 },
		"workers":   func(c *Config) { c.Workers = 0 },
		"cache":     func(c *Config) { c.CachedRegions = 0 },
		"poll":      func(c *Config) { c.PollInterval = 0 },
		"log level": func(c *Config) { c.LogLevel = "loud" },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, VerifyConfig(cfg), name)
	}
}

func TestConfigDerivedValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, bus.Session, cfg.BusScope())
	assert.Equal(t, cfg.Name, cfg.BusInterface())

	cfg.Scope = "mystery"
	assert.Equal(t, bus.Session, cfg.BusScope())
}

func TestDeliveryText(t *testing.T) {
	d := Delivery{Data: append([]byte("hello world"), make([]byte, 21)...)}
	assert.Equal(t, "hello world", d.Text())
	assert.Equal(t, "", Delivery{}.Text())
}
