package config

import "time"

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Poll    PollConfig
	Whisper WhisperConfig
	Browser BrowserConfig
	Media   MediaConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type PollConfig struct {
	Concurrency        int
	FetchLimit         int
	TranscribePerCycle int
	FetchTimeout       string
	// Interval enables the background poll ticker when non-empty
	// (e.g. "15m"). Empty means polls run only via check_feeds.
	Interval string
}

type WhisperConfig struct {
	BaseURL string
	Model   string
}

type BrowserConfig struct {
	BaseURL string
}

type MediaConfig struct {
	// OutputDir for extracted clips. Empty means <data_dir>/clips.
	OutputDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Poll: PollConfig{
			Concurrency:        6,
			FetchLimit:         30,
			TranscribePerCycle: 5,
			FetchTimeout:       "30s",
		},
		Whisper: WhisperConfig{
			BaseURL: "http://localhost:8178",
			Model:   "base.en",
		},
		Browser: BrowserConfig{
			BaseURL: "http://localhost:8233",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend with
// environment variable overrides.
//
// On macOS the backend is UserDefaults (domain: com.siphon.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/siphon/config.json.
//
// Environment variables (SIPHON_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// FetchTimeout parses Poll.FetchTimeout, falling back to 30s on bad input.
func (c Config) FetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Poll.FetchTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// PollInterval parses Poll.Interval; zero means the background ticker is off.
func (c Config) PollInterval() time.Duration {
	if c.Poll.Interval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Poll.Interval)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
