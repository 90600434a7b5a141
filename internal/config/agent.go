// Package config loads agent and registry configuration.
//
// Agent precedence, lowest first: defaults, YAML file, .env and process
// environment, explicitly set flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ahkfinance/devicelock/internal/model"
)

// Environment variables read by the agent.
const (
	EnvRegistryAddr = "DEVICELOCK_REGISTRY_ADDR"
	EnvDeviceID     = "DEVICELOCK_DEVICE_ID"
	EnvDataDir      = "DEVICELOCK_DATA_DIR"
	EnvStoreSecret  = "DEVICELOCK_STORE_SECRET"
	EnvAMQPURL      = "DEVICELOCK_AMQP_URL"
)

// Intervals holds worker cadences.
type Intervals struct {
	Heartbeat      time.Duration `yaml:"heartbeat"`
	DueDate        time.Duration `yaml:"due_date"`
	LocationSample time.Duration `yaml:"location_sample"`
	LocationSync   time.Duration `yaml:"location_sync"`
	PaymentSync    time.Duration `yaml:"payment_sync"`
}

// Position names the files the host's location providers write fixes to.
// An empty path disables that provider.
type Position struct {
	CoarseFile  string `yaml:"coarse_file"`
	PreciseFile string `yaml:"precise_file"`
}

// Agent configures the on-device agent.
type Agent struct {
	RegistryAddr string `yaml:"registry_addr"`
	// RegistryCA is the path to a PEM CA bundle; empty with Insecure=false
	// uses system roots.
	RegistryCA string `yaml:"registry_ca"`
	Insecure   bool   `yaml:"insecure"`

	// DeviceID overrides the stored or generated identifier.
	DeviceID string `yaml:"device_id"`
	DataDir  string `yaml:"data_dir"`
	// StoreSecret is read from the environment only.
	StoreSecret string `yaml:"-"`
	Namespace   string `yaml:"namespace"`
	Timezone    string `yaml:"timezone"`

	AMQPURL    string `yaml:"amqp_url"`
	SocketPath string `yaml:"socket_path"`

	// Tier caps the privilege probe: device_owner, device_admin or accessibility.
	Tier string `yaml:"tier"`

	Position Position `yaml:"position"`

	Intervals          Intervals     `yaml:"intervals"`
	PaymentLinkMaxAge  time.Duration `yaml:"payment_link_max_age"`
	DefaultPaymentLink string        `yaml:"default_payment_link"`
	RetentionDates     int           `yaml:"retention_dates"`

	Dev bool `yaml:"dev"`
}

// DefaultAgent returns agent defaults.
func DefaultAgent() *Agent {
	dataDir := "/var/lib/devicelock"
	if dir, err := os.UserConfigDir(); err == nil && os.Geteuid() != 0 {
		dataDir = filepath.Join(dir, "devicelock")
	}
	return &Agent{
		RegistryAddr: "localhost:8443",
		DataDir:      dataDir,
		Namespace:    "ahk_prefs",
		Timezone:     "Local",
		SocketPath:   filepath.Join(dataDir, "agent.sock"),
		Tier:         "device_owner",
		Position: Position{
			CoarseFile:  filepath.Join(dataDir, "fix-network.yaml"),
			PreciseFile: filepath.Join(dataDir, "fix-gps.yaml"),
		},
		Intervals: Intervals{
			Heartbeat:      5 * time.Minute,
			DueDate:        15 * time.Minute,
			LocationSample: time.Hour,
			LocationSync:   15 * time.Minute,
			PaymentSync:    15 * time.Minute,
		},
		PaymentLinkMaxAge:  24 * time.Hour,
		DefaultPaymentLink: model.DefaultPayment,
		RetentionDates:     30,
	}
}

// AgentFlags are command-line overrides. Only flags the user set are applied.
type AgentFlags struct {
	fs *pflag.FlagSet

	ConfigPath string
	EnvFile    string

	registryAddr string
	deviceID     string
	dataDir      string
	socketPath   string
	tier         string
	insecure     bool
	dev          bool
}

// BindAgentFlags registers agent flags on fs.
func BindAgentFlags(fs *pflag.FlagSet) *AgentFlags {
	f := &AgentFlags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "path to agent YAML config")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "optional dotenv file")
	fs.StringVar(&f.registryAddr, "registry", "", "registry address host:port")
	fs.StringVar(&f.deviceID, "device-id", "", "device identifier")
	fs.StringVar(&f.dataDir, "data-dir", "", "state directory")
	fs.StringVar(&f.socketPath, "socket", "", "host UI unix socket path")
	fs.StringVar(&f.tier, "tier", "", "strongest privilege tier granted by the host")
	fs.BoolVar(&f.insecure, "insecure", false, "plaintext connection to the registry")
	fs.BoolVar(&f.dev, "dev", false, "development logging")
	return f
}

// LoadAgent resolves the agent configuration.
func LoadAgent(flags *AgentFlags) (*Agent, error) {
	cfg := DefaultAgent()
	if flags != nil && flags.ConfigPath != "" {
		if err := cfg.loadFile(flags.ConfigPath); err != nil {
			return nil, fmt.Errorf("config %s: %w", flags.ConfigPath, err)
		}
	}
	if flags != nil && flags.EnvFile != "" {
		if err := loadDotenv(flags.EnvFile); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if flags != nil {
		flags.apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Agent) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadDotenv sets variables from path without overriding the process
// environment. A missing file is not an error.
func loadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func (c *Agent) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvRegistryAddr, &c.RegistryAddr)
	set(EnvDeviceID, &c.DeviceID)
	set(EnvStoreSecret, &c.StoreSecret)
	set(EnvAMQPURL, &c.AMQPURL)
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		if c.SocketPath == filepath.Join(c.DataDir, "agent.sock") {
			c.SocketPath = filepath.Join(v, "agent.sock")
		}
		c.DataDir = v
	}
}

func (f *AgentFlags) apply(c *Agent) {
	changed := func(name string) bool { return f.fs != nil && f.fs.Changed(name) }
	if changed("registry") {
		c.RegistryAddr = f.registryAddr
	}
	if changed("device-id") {
		c.DeviceID = f.deviceID
	}
	if changed("data-dir") {
		if c.SocketPath == filepath.Join(c.DataDir, "agent.sock") {
			c.SocketPath = filepath.Join(f.dataDir, "agent.sock")
		}
		c.DataDir = f.dataDir
	}
	if changed("socket") {
		c.SocketPath = f.socketPath
	}
	if changed("tier") {
		c.Tier = f.tier
	}
	if changed("insecure") {
		c.Insecure = f.insecure
	}
	if changed("dev") {
		c.Dev = f.dev
	}
}

// Validate rejects unusable values.
func (c *Agent) Validate() error {
	switch {
	case c.RegistryAddr == "":
		return errors.New("config: registry address required")
	case c.DataDir == "":
		return errors.New("config: data dir required")
	case c.RetentionDates < 1:
		return fmt.Errorf("config: retention_dates must be positive, got %d", c.RetentionDates)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat":       c.Intervals.Heartbeat,
		"due_date":        c.Intervals.DueDate,
		"location_sample": c.Intervals.LocationSample,
		"location_sync":   c.Intervals.LocationSync,
		"payment_sync":    c.Intervals.PaymentSync,
	} {
		if d <= 0 {
			return fmt.Errorf("config: interval %s must be positive", name)
		}
	}
	switch c.Tier {
	case "device_owner", "device_admin", "accessibility":
	default:
		return fmt.Errorf("config: unknown tier %q", c.Tier)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	return nil
}

// Location returns the device-local zone.
func (c *Agent) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
