package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultPort     = 8080
	DefaultPassword = "1234"
	MinPort         = 1024
	MaxPort         = 65535

	KeyPort     = "port"
	KeyPassword = "password"
)

type Config struct {
	Port           int    `mapstructure:"port"`
	Password       string `mapstructure:"password"`
	JpegQuality    int    `mapstructure:"jpegQuality"`
	Downscale      int    `mapstructure:"downscale"`
	Resample       string `mapstructure:"resample"`
	Format         string `mapstructure:"format"`
	FrameRate      int    `mapstructure:"frameRate"`
	PollIntervalMs int    `mapstructure:"pollIntervalMs"`
	DisplayIndex   int    `mapstructure:"displayIndex"`
	Density        int    `mapstructure:"density"`
	Source         string `mapstructure:"source"`
	DebugYn        string `mapstructure:"debugYn"`
	Rtsp           Rtsp   `mapstructure:"rtsp"`
}

type Rtsp struct {
	Enabled           bool   `mapstructure:"enabled"`
	Port              int    `mapstructure:"port"`
	Path              string `mapstructure:"path"`
	RtpPayloadMaxSize int    `mapstructure:"rtpPayloadMaxSize"`
}

func (c *Config) Debug() bool {
	return c.DebugYn == "Y"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("password", "")
	v.SetDefault("jpegQuality", 50)
	v.SetDefault("downscale", 2)
	v.SetDefault("resample", "bilinear")
	v.SetDefault("format", "jpeg")
	v.SetDefault("frameRate", 15)
	v.SetDefault("pollIntervalMs", 150)
	v.SetDefault("displayIndex", 0)
	v.SetDefault("density", 160)
	v.SetDefault("source", "screen")
	v.SetDefault("debugYn", "N")
	v.SetDefault("rtsp.enabled", false)
	v.SetDefault("rtsp.port", 8554)
	v.SetDefault("rtsp.path", "screen")
	v.SetDefault("rtsp.rtpPayloadMaxSize", 1400)
}

// Options controls where LoadConfig looks for its input.
type Options struct {
	// File is an explicit config path. Empty means config.yaml in the working directory.
	File  string
	Fs    afero.Fs
	Flags *pflag.FlagSet
}

// LoadConfig reads the YAML config, applies defaults and flag overrides and
// returns the validated Config together with the viper instance backing it.
// A missing config.yaml is not an error; a missing explicit File is.
func LoadConfig(opts Options) (*Config, *viper.Viper, error) {
	v := viper.New()
	if opts.Fs != nil {
		v.SetFs(opts.Fs)
	}
	setDefaults(v)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, nil, err
		}
	}
	if opts.Flags != nil {
		if err := v.BindPFlags(opts.Flags); err != nil {
			return nil, nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func (c *Config) validate() error {
	if c.JpegQuality < 1 || c.JpegQuality > 100 {
		return fmt.Errorf("jpegQuality must be within 1..100, got %d", c.JpegQuality)
	}
	if c.Downscale < 1 {
		return fmt.Errorf("downscale must be >= 1, got %d", c.Downscale)
	}
	if c.FrameRate < 1 {
		return fmt.Errorf("frameRate must be >= 1, got %d", c.FrameRate)
	}
	if c.PollIntervalMs < 1 {
		return fmt.Errorf("pollIntervalMs must be >= 1, got %d", c.PollIntervalMs)
	}
	switch strings.ToLower(c.Format) {
	case "jpeg", "jpg", "png":
	default:
		return fmt.Errorf("unsupported format %q", c.Format)
	}
	switch c.Source {
	case "screen", "synthetic":
	default:
		return fmt.Errorf("unsupported capture source %q", c.Source)
	}
	if c.Rtsp.Enabled && c.Rtsp.RtpPayloadMaxSize <= 8 {
		return fmt.Errorf("rtsp.rtpPayloadMaxSize too small: %d", c.Rtsp.RtpPayloadMaxSize)
	}
	return nil
}

// ResolvePort returns port when it is a usable unprivileged port, DefaultPort otherwise.
func ResolvePort(port int) int {
	if port < MinPort || port > MaxPort {
		return DefaultPort
	}
	return port
}

// ResolvePassword trims pw and falls back to DefaultPassword when nothing is left.
func ResolvePassword(pw string) string {
	pw = strings.TrimSpace(pw)
	if pw == "" {
		return DefaultPassword
	}
	return pw
}
