package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "GROUPCALL"

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	WS    WSConfig    `mapstructure:"ws"`
	Join  JoinConfig  `mapstructure:"join"`
	Media MediaConfig `mapstructure:"media"`
}

type WSConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// JoinConfig limits joinRoom attempts per client. Rate <= 0 disables it.
type JoinConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type MediaConfig struct {
	// Driver is "webrtc" or "memory".
	Driver           string        `mapstructure:"driver"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	PublicIP         string        `mapstructure:"public_ip"`
	UDPPortMin       uint16        `mapstructure:"udp_port_min"`
	UDPPortMax       uint16        `mapstructure:"udp_port_max"`
	ReleaseTimeout   time.Duration `mapstructure:"release_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	RecordDir        string        `mapstructure:"record_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8443)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("ws.read_limit", 65536)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "10s")
	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.allowed_origins", []string{})

	v.SetDefault("join.rate", 1.0)
	v.SetDefault("join.burst", 5)

	v.SetDefault("media.driver", "webrtc")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.public_ip", "")
	v.SetDefault("media.udp_port_min", 0)
	v.SetDefault("media.udp_port_max", 0)
	v.SetDefault("media.release_timeout", "10s")
	v.SetDefault("media.operation_timeout", "30s")
	v.SetDefault("media.stop_timeout", "5s")
	v.SetDefault("media.record_dir", "./recordings")
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, *viper.Viper, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an
// error. GROUPCALL_* environment variables override both.
func LoadFile(fileName string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	logger := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Msg("config file not loaded, using defaults")
	} else {
		logger.Info().Msg("config loaded")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("media_driver", cfg.Media.Driver).
		Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Media.Driver {
	case "webrtc", "memory":
	default:
		return fmt.Errorf("unknown media driver %q", c.Media.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret must be set")
	}
	if c.Media.UDPPortMin > c.Media.UDPPortMax {
		return fmt.Errorf("udp port range %d-%d is empty", c.Media.UDPPortMin, c.Media.UDPPortMax)
	}
	return nil
}

// Watch calls fn with the new config each time the file changes. Changes
// that fail to parse are logged and skipped.
func Watch(v *viper.Viper, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(cfg)
	})
	v.WatchConfig()
}
