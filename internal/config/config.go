package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the HTTP listener settings. PublicURL is this
// service's base URL as reachable by the inference services; it is the
// prefix of every callback URL handed out.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	PublicURL string `toml:"public_url"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// RunnerConfig selects remote mode: when Enabled, pipelines are
// submitted to the distributed task runner instead of the local
// queues.
type RunnerConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// ServicesConfig holds the inference service endpoints.
// TimeoutSeconds of 0 means no client-side timeout.
type ServicesConfig struct {
	TTSURL      string `toml:"tts_url"`
	SpeechURL   string `toml:"speech_url"`
	VoiceURL    string `toml:"voice_url"`
	SubtitleURL string `toml:"subtitle_url"`
	VideoURL    string `toml:"video_url"`
	TrainURL    string `toml:"train_url"`

	TimeoutSeconds   int `toml:"timeout_seconds"`
	ReadyPollSeconds int `toml:"ready_poll_seconds"`
}

// QueuesConfig tunes the scheduler loops. Zero values select the
// scheduler package defaults.
type QueuesConfig struct {
	HandleSleepSeconds int `toml:"handle_sleep_seconds"`
	RetrySleepSeconds  int `toml:"retry_sleep_seconds"`
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Runner   RunnerConfig   `toml:"runner"`
	Services ServicesConfig `toml:"services"`
	Queues   QueuesConfig   `toml:"queues"`
}

const (
	defaultAddr      = ":3333"
	defaultPublicURL = "http://127.0.0.1:3333"
)

func (c ServerConfig) AddrOrDefault() string {
	if c.Addr != "" {
		return c.Addr
	}
	return defaultAddr
}

func (c ServerConfig) PublicURLOrDefault() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return defaultPublicURL
}

func (c ServicesConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ServicesConfig) ReadyPoll() time.Duration {
	if c.ReadyPollSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.ReadyPollSeconds) * time.Second
}

func (c QueuesConfig) HandleSleep() time.Duration {
	return time.Duration(c.HandleSleepSeconds) * time.Second
}

func (c QueuesConfig) RetrySleep() time.Duration {
	return time.Duration(c.RetrySleepSeconds) * time.Second
}

// LoadFrom reads configuration from the given TOML file path.
// If the file does not exist, it returns an empty config without
// error. Environment variables always take precedence over file
// values:
//   - SERVER_ADDR   overrides server.addr
//   - PUBLIC_URL    overrides server.public_url
//   - POSTGRES_DSN  overrides postgres.dsn
//   - REDIS_ADDR    overrides redis.addr
//   - RUNNER_URL    overrides runner.url and enables remote mode
func LoadFrom(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RUNNER_URL"); v != "" {
		cfg.Runner.URL = v
		cfg.Runner.Enabled = true
	}
}
