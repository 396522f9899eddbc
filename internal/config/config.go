package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type RoomsConfig struct {
	EvictionDelay      time.Duration `mapstructure:"eviction_delay"`
	MaxSessionDuration time.Duration `mapstructure:"max_session_duration"`
	UnusedRoomGrace    time.Duration `mapstructure:"unused_room_grace"`
	JoinRateLimit      int           `mapstructure:"join_rate_limit"`
	JoinRateInterval   time.Duration `mapstructure:"join_rate_interval"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type CodecConfig struct {
	Kind        string         `mapstructure:"kind"`
	MimeType    string         `mapstructure:"mime_type"`
	ClockRate   uint32         `mapstructure:"clock_rate"`
	Channels    uint16         `mapstructure:"channels"`
	PayloadType uint8          `mapstructure:"payload_type"`
	Fmtp        map[string]any `mapstructure:"fmtp"`
}

type MediaConfig struct {
	UDPPort                         int               `mapstructure:"udp_port"`
	AnnouncedIPs                    []string          `mapstructure:"announced_ips"`
	ICEServers                      []ICEServerConfig `mapstructure:"ice_servers"`
	GatherTimeout                   time.Duration     `mapstructure:"gather_timeout"`
	MaxIncomingBitrate              uint64            `mapstructure:"max_incoming_bitrate"`
	InitialAvailableOutgoingBitrate uint64            `mapstructure:"initial_available_outgoing_bitrate"`
	Codecs                          []CodecConfig     `mapstructure:"codecs"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`

	Log   LogConfig   `mapstructure:"log"`
	Rooms RoomsConfig `mapstructure:"rooms"`
	Media MediaConfig `mapstructure:"media"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 512<<10)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("rooms.eviction_delay", "0s")
	v.SetDefault("rooms.max_session_duration", "0s")
	v.SetDefault("rooms.unused_room_grace", "30s")
	v.SetDefault("rooms.join_rate_limit", 10)
	v.SetDefault("rooms.join_rate_interval", "1m")
	v.SetDefault("media.udp_port", 0)
	v.SetDefault("media.announced_ips", []string{})
	v.SetDefault("media.gather_timeout", "5s")
	v.SetDefault("media.max_incoming_bitrate", 1500000)
	v.SetDefault("media.initial_available_outgoing_bitrate", 1000000)
}

// Load reads config/config.<CONFIG_ENV>.yaml, or path when set, then applies
// MEET_* environment variables and any flags changed in flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, name := range []string{"port", "mode"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("mode %q: want debug, release or test", c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Mode == "release" && c.Secret == "" {
		return errors.New("secret is required in release mode")
	}
	if c.Media.UDPPort < 0 || c.Media.UDPPort > 65535 {
		return fmt.Errorf("media.udp_port %d out of range", c.Media.UDPPort)
	}
	if _, err := c.Media.RtpCodecs(); err != nil {
		return err
	}
	return nil
}

// RtpCodecs converts the configured codecs. An empty list means the engine
// defaults.
func (m MediaConfig) RtpCodecs() ([]core.RtpCodecCapability, error) {
	out := make([]core.RtpCodecCapability, 0, len(m.Codecs))
	for i, c := range m.Codecs {
		kind, err := domain.ParseKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("media.codecs[%d]: %w", i, err)
		}
		if c.MimeType == "" || c.ClockRate == 0 {
			return nil, fmt.Errorf("media.codecs[%d]: mime_type and clock_rate are required", i)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(kind)+"/") {
			return nil, fmt.Errorf("media.codecs[%d]: %s is not a %s codec", i, c.MimeType, kind)
		}
		out = append(out, core.RtpCodecCapability{
			Kind:                 kind,
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           c.Fmtp,
		})
	}
	return out, nil
}
