package shared

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment overrides applied by Config.ApplyEnv.
const (
	EnvServerURL = "VOICE_SERVER_URL"
	EnvAPIURL    = "VOICE_API_URL"
	EnvToken     = "VOICE_TOKEN"
	EnvChannelID = "VOICE_CHANNEL_ID"
	EnvUserID    = "VOICE_USER_ID"
	EnvLogLevel  = "VOICE_LOG_LEVEL"
)

// Duration decodes from strings such as "5s" or "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case uint64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case int64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

type Config struct {
	ServerURL string        `yaml:"server_url"`
	APIURL    string        `yaml:"api_url"`
	ChannelID string        `yaml:"channel_id"`
	UserID    string        `yaml:"user_id"`
	Token     string        `yaml:"token"`
	Session   SessionConfig `yaml:"session"`
	Audio     AudioConfig   `yaml:"audio"`
	Video     VideoConfig   `yaml:"video"`
	Log       LogConfig     `yaml:"log"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

type SessionConfig struct {
	HandshakeTimeout    Duration `yaml:"handshake_timeout"`
	PingInterval        Duration `yaml:"ping_interval"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	ReconnectDelay      Duration `yaml:"reconnect_delay"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	CloseTimeout        Duration `yaml:"close_timeout"`
	RefreshTimeout      Duration `yaml:"refresh_timeout"`
	SendQueueSize       int      `yaml:"send_queue_size"`
}

type AudioConfig struct {
	SampleRate       int      `yaml:"sample_rate"`
	ChannelCount     int      `yaml:"channel_count"`
	FrameSamples     int      `yaml:"frame_samples"`
	Volume           int      `yaml:"volume"`
	EchoCancellation bool     `yaml:"echo_cancellation"`
	NoiseSuppression bool     `yaml:"noise_suppression"`
	AutoGainControl  bool     `yaml:"auto_gain_control"`
	PlaybackBuffer   Duration `yaml:"playback_buffer"`
}

type VideoConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerURL: "ws://localhost:8000",
		APIURL:    "http://localhost:8000",
		Session: SessionConfig{
			HandshakeTimeout:    Duration(5 * time.Second),
			PingInterval:        Duration(15 * time.Second),
			HealthCheckInterval: Duration(30 * time.Second),
			ReconnectDelay:      Duration(3 * time.Second),
			WriteTimeout:        Duration(5 * time.Second),
			CloseTimeout:        Duration(time.Second),
			RefreshTimeout:      Duration(10 * time.Second),
			SendQueueSize:       64,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			ChannelCount:     1,
			FrameSamples:     1024,
			Volume:           100,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			PlaybackBuffer:   Duration(100 * time.Millisecond),
		},
		Video: VideoConfig{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
		},
		Log: LogConfig{
			File:       "voice/voice.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Metrics: MetricsConfig{
			Namespace: "voice",
		},
	}
}

// LoadConfig decodes path over DefaultConfig. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := ParseConfig(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseConfig(data []byte, cfg *Config) error {
	if cfg == nil {
		return ErrNoConfig
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// ApplyEnv overrides connection fields from the environment.
func (c *Config) ApplyEnv() error {
	var err error
	if c.ServerURL, err = Getenv(GetenvString, EnvServerURL, false, c.ServerURL); err != nil {
		return err
	}
	if c.APIURL, err = Getenv(GetenvString, EnvAPIURL, false, c.APIURL); err != nil {
		return err
	}
	if c.Token, err = Getenv(GetenvString, EnvToken, false, c.Token); err != nil {
		return err
	}
	if c.ChannelID, err = Getenv(GetenvString, EnvChannelID, false, c.ChannelID); err != nil {
		return err
	}
	if c.UserID, err = Getenv(GetenvString, EnvUserID, false, c.UserID); err != nil {
		return err
	}
	if c.Log.Level, err = Getenv(GetenvString, EnvLogLevel, false, c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := url.Parse(c.ServerURL); err != nil || c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("invalid server_url %q", c.ServerURL))
	}
	if _, err := url.Parse(c.APIURL); err != nil || c.APIURL == "" {
		errs = append(errs, fmt.Errorf("invalid api_url %q", c.APIURL))
	}
	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("session.handshake_timeout must be positive"))
	}
	if c.Session.PingInterval <= 0 {
		errs = append(errs, errors.New("session.ping_interval must be positive"))
	}
	if c.Session.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("session.health_check_interval must be positive"))
	}
	if c.Session.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("session.reconnect_delay must be positive"))
	}
	if c.Session.SendQueueSize <= 0 {
		errs = append(errs, errors.New("session.send_queue_size must be positive"))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.ChannelCount <= 0 || c.Audio.FrameSamples <= 0 {
		errs = append(errs, errors.New("audio sample_rate, channel_count and frame_samples must be positive"))
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		errs = append(errs, fmt.Errorf("audio.volume %d out of range [0, 100]", c.Audio.Volume))
	}
	return errors.Join(errs...)
}
