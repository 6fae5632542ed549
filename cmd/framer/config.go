package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"

	"github.com/szxp/framer"
)

const (
	envLogLevel     = "FRAMER_LOG_LEVEL"
	envHTTPAddr     = "FRAMER_HTTP_ADDR"
	envSourceDir    = "FRAMER_SOURCE_DIR"
	envThumbnailDir = "FRAMER_THUMBNAIL_DIR"
	envResizer      = "FRAMER_RESIZER"
	envServiceURL   = "FRAMER_SERVICE_URL"
	envToken        = "FRAMER_TOKEN"
)

const (
	resizerRaster      = "raster"
	resizerImageMagick = "imagemagick"
)

type Config struct {
	LogLevel string              `toml:"log_level"`
	Server   ServerConfig        `toml:"server"`
	Client   ClientConfig        `toml:"client"`
	Outputs  []framer.OutputSpec `toml:"outputs"`
}

type ServerConfig struct {
	HTTPAddr       string   `toml:"http_addr"`
	SourceDir      string   `toml:"source_dir"`
	ThumbnailDir   string   `toml:"thumbnail_dir"`
	AllowedExts    []string `toml:"allowed_exts"`
	MaxUploadBytes int64    `toml:"max_upload_bytes"`
	MaxOutputs     int      `toml:"max_outputs"`
	Token          string   `toml:"token"`
	Resizer        string   `toml:"resizer"`
	ConvertBinary  string   `toml:"convert_binary"`
	Quality        int      `toml:"quality"`
}

type ClientConfig struct {
	URL            string           `toml:"url"`
	Token          string           `toml:"token"`
	MaintainAspect bool             `toml:"maintain_aspect"`
	Fit            framer.FitPolicy `toml:"fit"`
	Timeout        duration         `toml:"timeout"`
}

// duration reads "30s" style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		Server: ServerConfig{
			HTTPAddr:     ":7664",
			SourceDir:    "./data/source",
			ThumbnailDir: "./data/thumbnail",
			Resizer:      resizerRaster,
			Quality:      90,
		},
		Client: ClientConfig{
			URL:            "http://localhost:7664/resize",
			MaintainAspect: true,
			Fit:            framer.FitCover,
			Timeout:        duration{2 * time.Minute},
		},
	}
}

// loadConfig reads the TOML file at path, if any, over the defaults and
// then applies environment overrides.
func loadConfig(path string) (*Config, error) {
	conf := defaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	conf.LogLevel = getenv(envLogLevel, conf.LogLevel)
	conf.Server.HTTPAddr = getenv(envHTTPAddr, conf.Server.HTTPAddr)
	conf.Server.SourceDir = getenv(envSourceDir, conf.Server.SourceDir)
	conf.Server.ThumbnailDir = getenv(envThumbnailDir, conf.Server.ThumbnailDir)
	conf.Server.Resizer = getenv(envResizer, conf.Server.Resizer)
	conf.Client.URL = getenv(envServiceURL, conf.Client.URL)
	if token := os.Getenv(envToken); token != "" {
		conf.Server.Token = token
		conf.Client.Token = token
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("log_level: invalid level %q", c.LogLevel)
	}
	if c.Server.Resizer != resizerRaster && c.Server.Resizer != resizerImageMagick {
		return fmt.Errorf("server.resizer must be %q or %q", resizerRaster, resizerImageMagick)
	}
	if c.Server.Quality < 1 || c.Server.Quality > 100 {
		return fmt.Errorf("server.quality must be between 1 and 100")
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes must not be negative")
	}
	if c.Client.Timeout.Duration < 0 {
		return fmt.Errorf("client.timeout must not be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}
