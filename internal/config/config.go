package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Modbus  ModbusConfig  `mapstructure:"modbus"`
	Devices DevicesConfig `mapstructure:"devices"`
	Poller  PollerConfig  `mapstructure:"poller"`
	Influx  InfluxConfig  `mapstructure:"influx"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// ModbusConfig holds the transport defaults shared by every device.
type ModbusConfig struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	UnitID         int           `mapstructure:"unit_id"`
	TimeoutConnect time.Duration `mapstructure:"timeout_connect"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type DevicesConfig struct {
	SearchPaths []string     `mapstructure:"search_paths"`
	Hosts       []HostConfig `mapstructure:"hosts"`
}

// HostConfig binds a device host to a mapping file. Port and UnitID fall
// back to the modbus defaults when zero.
type HostConfig struct {
	Name    string `mapstructure:"name"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	UnitID  int    `mapstructure:"unit_id"`
	Mapping string `mapstructure:"mapping"`
}

type PollerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	TokenEnv    string `mapstructure:"token_env"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// AuthConfig guards the REST surface. Secrets never live in the file:
// the JWT secret is read from JWTSecretEnv and machine tokens are stored as
// Argon2id hashes.
type AuthConfig struct {
	Enabled       bool                 `mapstructure:"enabled"`
	JWTSecretEnv  string               `mapstructure:"jwt_secret_env"`
	TokenTTL      time.Duration        `mapstructure:"token_ttl"`
	MachineTokens []MachineTokenConfig `mapstructure:"machine_tokens"`
}

type MachineTokenConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Hash        string   `mapstructure:"hash"`
	Permissions []string `mapstructure:"permissions"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("modbus.mode", "sync")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.unit_id", 1)
	v.SetDefault("modbus.timeout_connect", "3s")
	v.SetDefault("modbus.timeout", "1s")

	v.SetDefault("devices.search_paths", []string{"./mappings"})

	v.SetDefault("poller.interval", "60s")

	v.SetDefault("influx.token_env", "INFLUX_TOKEN")
	v.SetDefault("influx.measurement", "housekeeping")

	v.SetDefault("auth.jwt_secret_env", "MBM_JWT_SECRET")
	v.SetDefault("auth.token_ttl", "24h")

	// MBM_MODBUS_MODE overrides modbus.mode
	v.SetEnvPrefix("MBM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Modbus.Mode) {
	case "sync", "async":
	default:
		return fmt.Errorf("modbus.mode must be sync or async, got %q", c.Modbus.Mode)
	}
	if c.Modbus.UnitID < 0 || c.Modbus.UnitID > 255 {
		return fmt.Errorf("modbus.unit_id %d out of range", c.Modbus.UnitID)
	}

	seen := make(map[string]bool)
	for i, h := range c.Devices.Hosts {
		if h.Host == "" {
			return fmt.Errorf("devices.hosts[%d]: host is required", i)
		}
		if h.Mapping == "" {
			return fmt.Errorf("devices.hosts[%d]: mapping is required", i)
		}
		if seen[h.Key()] {
			return fmt.Errorf("devices.hosts[%d]: duplicate device %q", i, h.Key())
		}
		seen[h.Key()] = true
	}

	if c.Poller.Enabled {
		if c.Poller.Interval <= 0 {
			return fmt.Errorf("poller.interval must be positive")
		}
		if c.Influx.URL != "" && c.Influx.Bucket == "" {
			return fmt.Errorf("influx.url set but influx.bucket missing")
		}
	}
	return nil
}

// Key is the device identity: its name, or the host when unnamed.
func (h HostConfig) Key() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Host
}

// Address returns host:port using defaultPort when none is set.
func (h HostConfig) Address(defaultPort int) string {
	port := h.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", h.Host, port)
}
