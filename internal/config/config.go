package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all the settings for the supervisor. Key names on disk use a
// colon delimiter (e.g. "YouTube:OAuth:ClientId") and are kept compatible
// with the historical configuration layout.
type Config struct {
	Log       LogConfig       `mapstructure:"Log"`
	Printer   PrinterConfig   `mapstructure:"Printer"`
	Stream    StreamConfig    `mapstructure:"Stream"`
	Overlay   OverlayConfig   `mapstructure:"Overlay"`
	Audio     AudioConfig     `mapstructure:"Audio"`
	YouTube   YouTubeConfig   `mapstructure:"YouTube"`
	Timelapse TimelapseConfig `mapstructure:"Timelapse"`
	Records   RecordsConfig   `mapstructure:"Records"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
}

type PrinterConfig struct {
	URL                 string `mapstructure:"Url"`
	SnapshotURL         string `mapstructure:"SnapshotUrl"`
	PollIntervalSeconds int    `mapstructure:"PollIntervalSeconds"`
}

type StreamConfig struct {
	Source      string      `mapstructure:"Source"`
	Mix         MixConfig   `mapstructure:"Mix"`
	TargetFps   int         `mapstructure:"TargetFps"`
	BitrateKbps int         `mapstructure:"BitrateKbps"`
	Audio       StreamAudio `mapstructure:"Audio"`
	Local       LocalConfig `mapstructure:"Local"`
}

type MixConfig struct {
	Enabled bool `mapstructure:"Enabled"`
}

type StreamAudio struct {
	UseAPIStream bool   `mapstructure:"UseApiStream"`
	URL          string `mapstructure:"Url"`
}

type LocalConfig struct {
	Enabled bool `mapstructure:"Enabled"`
}

type OverlayConfig struct {
	Enabled        bool    `mapstructure:"Enabled"`
	FontFile       string  `mapstructure:"FontFile"`
	FontSize       int     `mapstructure:"FontSize"`
	FontColor      string  `mapstructure:"FontColor"`
	Box            bool    `mapstructure:"Box"`
	BoxColor       string  `mapstructure:"BoxColor"`
	BoxBorderW     int     `mapstructure:"BoxBorderW"`
	X              string  `mapstructure:"X"`
	Y              string  `mapstructure:"Y"`
	BannerFraction float64 `mapstructure:"BannerFraction"`
}

type AudioConfig struct {
	Folder  string `mapstructure:"Folder"`
	Enabled bool   `mapstructure:"Enabled"`
}

type YouTubeConfig struct {
	APIBaseURL    string          `mapstructure:"ApiBaseUrl"`
	OAuth         OAuthConfig     `mapstructure:"OAuth"`
	LiveBroadcast BroadcastConfig `mapstructure:"LiveBroadcast"`
	Playlist      PlaylistConfig  `mapstructure:"Playlist"`
	Polling       PollingConfig   `mapstructure:"Polling"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"ClientId"`
	ClientSecret string `mapstructure:"ClientSecret"`
}

type BroadcastConfig struct {
	Enabled             bool   `mapstructure:"Enabled"`
	EndStreamAfterPrint bool   `mapstructure:"EndStreamAfterPrint"`
	WelcomeMessage      string `mapstructure:"WelcomeMessage"`
}

type PlaylistConfig struct {
	Name    string `mapstructure:"Name"`
	Privacy string `mapstructure:"Privacy"`
}

type PollingConfig struct {
	Enabled              bool    `mapstructure:"Enabled"`
	BaseIntervalSeconds  int     `mapstructure:"BaseIntervalSeconds"`
	MinIntervalSeconds   int     `mapstructure:"MinIntervalSeconds"`
	MaxIntervalSeconds   int     `mapstructure:"MaxIntervalSeconds"`
	IdleThresholdMinutes int     `mapstructure:"IdleThresholdMinutes"`
	BackoffMultiplier    float64 `mapstructure:"BackoffMultiplier"`
	MaxJitterSeconds     int     `mapstructure:"MaxJitterSeconds"`
	RequestsPerMinute    int     `mapstructure:"RequestsPerMinute"`
	CacheDurationSeconds int     `mapstructure:"CacheDurationSeconds"`
}

type TimelapseConfig struct {
	OfflineGracePeriod        time.Duration `mapstructure:"OfflineGracePeriod"`
	IdleFinalizeDelay         time.Duration `mapstructure:"IdleFinalizeDelay"`
	LastLayerOffset           int           `mapstructure:"LastLayerOffset"`
	LastLayerRemainingSeconds int           `mapstructure:"LastLayerRemainingSeconds"`
	LastLayerProgressPercent  float64       `mapstructure:"LastLayerProgressPercent"`
	OutputDir                 string        `mapstructure:"OutputDir"`
	FramesDir                 string        `mapstructure:"FramesDir"`
	Fps                       int           `mapstructure:"Fps"`
}

type RecordsConfig struct {
	Path string `mapstructure:"Path"`
}

// LoadConfig initializes viper and merges all config sources. A missing
// config file is fine; environment variables can carry everything.
func LoadConfig(path string) (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	v := viper.NewWithOptions(viper.KeyDelimiter(":"))
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional; defaults plus env carry the rest.
		}
	}

	v.SetEnvPrefix("PRINTCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(":", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Log:Level", "info")
	v.SetDefault("Log:Format", "console")

	v.SetDefault("Printer:PollIntervalSeconds", 5)

	v.SetDefault("Stream:Mix:Enabled", false)
	v.SetDefault("Stream:TargetFps", 30)
	v.SetDefault("Stream:BitrateKbps", 4500)
	v.SetDefault("Stream:Audio:UseApiStream", false)
	v.SetDefault("Stream:Local:Enabled", true)

	v.SetDefault("Overlay:Enabled", true)
	v.SetDefault("Overlay:FontSize", 24)
	v.SetDefault("Overlay:FontColor", "white")
	v.SetDefault("Overlay:Box", true)
	v.SetDefault("Overlay:BoxColor", "black@0.5")
	v.SetDefault("Overlay:BoxBorderW", 8)
	v.SetDefault("Overlay:X", "10")
	v.SetDefault("Overlay:Y", "10")
	v.SetDefault("Overlay:BannerFraction", 0.08)

	v.SetDefault("Audio:Enabled", false)

	v.SetDefault("YouTube:ApiBaseUrl", "https://www.googleapis.com/youtube/v3")
	v.SetDefault("YouTube:LiveBroadcast:Enabled", false)
	v.SetDefault("YouTube:LiveBroadcast:EndStreamAfterPrint", true)
	v.SetDefault("YouTube:Playlist:Privacy", "unlisted")

	v.SetDefault("YouTube:Polling:Enabled", true)
	v.SetDefault("YouTube:Polling:BaseIntervalSeconds", 30)
	v.SetDefault("YouTube:Polling:MinIntervalSeconds", 10)
	v.SetDefault("YouTube:Polling:MaxIntervalSeconds", 300)
	v.SetDefault("YouTube:Polling:IdleThresholdMinutes", 15)
	v.SetDefault("YouTube:Polling:BackoffMultiplier", 1.5)
	v.SetDefault("YouTube:Polling:MaxJitterSeconds", 5)
	v.SetDefault("YouTube:Polling:RequestsPerMinute", 100)
	v.SetDefault("YouTube:Polling:CacheDurationSeconds", 5)

	v.SetDefault("Timelapse:OfflineGracePeriod", 10*time.Minute)
	v.SetDefault("Timelapse:IdleFinalizeDelay", 20*time.Second)
	v.SetDefault("Timelapse:LastLayerOffset", 1)
	v.SetDefault("Timelapse:LastLayerRemainingSeconds", 30)
	v.SetDefault("Timelapse:LastLayerProgressPercent", 98.5)
	v.SetDefault("Timelapse:OutputDir", "timelapses")
	v.SetDefault("Timelapse:FramesDir", "timelapse_frames")
	v.SetDefault("Timelapse:Fps", 30)

	v.SetDefault("Records:Path", "broadcast_records.json")
}

// ReadMixEnabled re-reads the mix flag from the config file. The mix-flag
// watcher samples this every couple of seconds so a live edit takes effect
// without a restart.
func ReadMixEnabled(path string) bool {
	v := viper.NewWithOptions(viper.KeyDelimiter(":"))
	v.SetDefault("Stream:Mix:Enabled", false)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		_ = v.ReadInConfig()
	}
	v.SetEnvPrefix("PRINTCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(":", "_"))
	v.AutomaticEnv()
	return v.GetBool("Stream:Mix:Enabled")
}
