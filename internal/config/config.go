package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "VOICEMESH"

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type SignalConfig struct {
	URL string `mapstructure:"url"`
}

type PeerConfig struct {
	ID    string `mapstructure:"id"`
	Room  string `mapstructure:"room"`
	Audio bool   `mapstructure:"audio"`
	Video bool   `mapstructure:"video"`
}

type ICEConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
	TURNServers []string `mapstructure:"turn_servers"`
	Username    string   `mapstructure:"username"`
	Credential  string   `mapstructure:"credential"`
	ForceRelay  bool     `mapstructure:"force_relay"`
}

type NegotiationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	LogLevel     string        `mapstructure:"log_level"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Secret       string        `mapstructure:"secret"`
	Codec        string        `mapstructure:"codec"`
	Backpressure string        `mapstructure:"backpressure"`

	JoinRate    RateConfig        `mapstructure:"join_rate"`
	Signal      SignalConfig      `mapstructure:"signal"`
	Peer        PeerConfig        `mapstructure:"peer"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "voicemesh-dev-secret")
	v.SetDefault("codec", "json")
	v.SetDefault("backpressure", "kick")
	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")
	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.id", "")
	v.SetDefault("peer.room", "lobby")
	v.SetDefault("peer.audio", true)
	v.SetDefault("peer.video", false)
	v.SetDefault("ice.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.turn_servers", []string{})
	v.SetDefault("ice.username", "")
	v.SetDefault("ice.credential", "")
	v.SetDefault("ice.force_relay", false)
	v.SetDefault("negotiation.timeout", "30s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) over the defaults.
func Load() (*Config, error) {
	return LoadWithFlags(nil, nil)
}

// LoadWithFlags is Load with command line flags layered on top. bindings maps
// config keys to flag names.
func LoadWithFlags(fs *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), fs, bindings)
}

// LoadFile loads fileName; a missing file leaves the defaults in place.
func LoadFile(fileName string, fs *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range bindings {
		if fs == nil {
			break
		}
		flag := fs.Lookup(name)
		if flag == nil {
			return nil, fmt.Errorf("unknown flag %q for %s", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("codec", cfg.Codec).Msg("config")
	return &cfg, nil
}
