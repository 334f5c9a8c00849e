package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	// identity of this endpoint on the relay
	ParticipantID string `mapstructure:"participant_id"`
	DisplayName   string `mapstructure:"display_name"`

	SignalingURL string        `mapstructure:"signaling_url"`
	SendQueue    int           `mapstructure:"send_queue"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`

	ICEServers           []string      `mapstructure:"ice_servers"`
	ReconnectGrace       time.Duration `mapstructure:"reconnect_grace"`
	PresencePollInterval time.Duration `mapstructure:"presence_poll_interval"`

	VideoWidth   int `mapstructure:"video_width"`
	VideoHeight  int `mapstructure:"video_height"`
	VideoBitRate int `mapstructure:"video_bitrate"`

	DBPath string `mapstructure:"db_path"`

	ChatRateLimit  int           `mapstructure:"chat_rate_limit"`
	ChatRateWindow time.Duration `mapstructure:"chat_rate_window"`
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
// TELECONSULT_<KEY> environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("TELECONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("participant_id", "")
	v.SetDefault("display_name", "Teleconsult")
	v.SetDefault("signaling_url", "ws://localhost:8090/signal")
	v.SetDefault("send_queue", 32)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("reconnect_grace", "15s")
	v.SetDefault("presence_poll_interval", "5s")
	v.SetDefault("video_width", 1280)
	v.SetDefault("video_height", 720)
	v.SetDefault("video_bitrate", 1_500_000)
	v.SetDefault("db_path", "./data/teleconsult.db")
	v.SetDefault("chat_rate_limit", 10)
	v.SetDefault("chat_rate_window", "5s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("signaling", cfg.SignalingURL).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.ReconnectGrace <= 0 {
		return fmt.Errorf("config: reconnect_grace must be positive")
	}
	if c.PresencePollInterval <= 0 {
		return fmt.Errorf("config: presence_poll_interval must be positive")
	}
	return nil
}
