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
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`
	VolumeFile string `mapstructure:"volume_file"`

	Identity   Identity   `mapstructure:"identity"`
	Store      Store      `mapstructure:"store"`
	RTC        RTC        `mapstructure:"rtc"`
	Call       Call       `mapstructure:"call"`
	Voice      Voice      `mapstructure:"voice"`
	VAD        VAD        `mapstructure:"vad"`
	SFU        SFU        `mapstructure:"sfu"`
	Media      Media      `mapstructure:"media"`
	Soundboard Soundboard `mapstructure:"soundboard"`
}

// Identity is the local party. Authentication happens outside this process.
type Identity struct {
	UserID       string   `mapstructure:"user_id"`
	DisplayName  string   `mapstructure:"display_name"`
	PhotoURL     string   `mapstructure:"photo_url"`
	PeerID       string   `mapstructure:"peer_id"`
	PremiumUsers []string `mapstructure:"premium_users"`
}

type Store struct {
	Driver   string        `mapstructure:"driver"`
	MongoURI string        `mapstructure:"mongo_uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RTC struct {
	ICEServers          []string      `mapstructure:"ice_servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAlive           time.Duration `mapstructure:"keepalive"`
}

type Call struct {
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
	BusyPolicy         string        `mapstructure:"busy_policy"`
	ReconnectWait      time.Duration `mapstructure:"reconnect_wait"`
	RenegotiateTimeout time.Duration `mapstructure:"renegotiate_timeout"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
}

type Voice struct {
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	StaleWindow time.Duration `mapstructure:"stale_window"`
}

type VAD struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
	FFTSize   int           `mapstructure:"fft_size"`
}

type SFU struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type Media struct {
	CameraWidth       int    `mapstructure:"camera_width"`
	CameraHeight      int    `mapstructure:"camera_height"`
	SystemAudioDevice string `mapstructure:"system_audio_device"`
	VideoBitrate      int    `mapstructure:"video_bitrate"`
}

type Soundboard struct {
	MaxClips  int `mapstructure:"max_clips"`
	MaxClipKB int `mapstructure:"max_clip_kb"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("volume_file", "./data/volumes.json")

	// Keys read only from the environment must be known to viper.
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.peer_id", "")
	v.SetDefault("identity.display_name", "guest")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("sfu.url", "")
	v.SetDefault("sfu.api_key", "")
	v.SetDefault("sfu.api_secret", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database", "calls")
	v.SetDefault("store.timeout", "10s")

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.disconnected_timeout", "5s")
	v.SetDefault("rtc.failed_timeout", "25s")
	v.SetDefault("rtc.keepalive", "2s")

	v.SetDefault("call.grace_period", "3s")
	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.busy_policy", "reject")
	v.SetDefault("call.reconnect_wait", "1s")
	v.SetDefault("call.renegotiate_timeout", "10s")
	v.SetDefault("call.rate_limit", 5)
	v.SetDefault("call.rate_window", "1m")

	v.SetDefault("voice.heartbeat", "10s")
	v.SetDefault("voice.stale_window", "30s")

	v.SetDefault("vad.interval", "100ms")
	v.SetDefault("vad.threshold", 0.05)
	v.SetDefault("vad.fft_size", 256)

	v.SetDefault("sfu.token_ttl", "6h")

	v.SetDefault("media.camera_width", 1280)
	v.SetDefault("media.camera_height", 720)
	v.SetDefault("media.video_bitrate", 1_500_000)

	v.SetDefault("soundboard.max_clips", 10)
	v.SetDefault("soundboard.max_clip_kb", 300)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).
		Str("user", cfg.Identity.UserID).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id is required")
	}
	if c.Identity.PeerID == "" {
		c.Identity.PeerID = c.Identity.UserID
	}
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Call.BusyPolicy {
	case "reject", "ignore":
	default:
		return fmt.Errorf("unknown busy policy %q", c.Call.BusyPolicy)
	}
	if c.Call.RenegotiateTimeout <= 0 {
		return fmt.Errorf("call.renegotiate_timeout must be positive")
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		return fmt.Errorf("vad.threshold must be within (0, 1)")
	}
	return nil
}
