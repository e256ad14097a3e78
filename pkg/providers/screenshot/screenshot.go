// Package screenshot captures deployed apps in a headless browser and stores
// the image in S3-compatible object storage.
package screenshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/usewisp/wisp/pkg/engine"
)

// Config configures capture and storage.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Viewport in CSS pixels; Scale is the device pixel ratio.
	Width   int64   `yaml:"width" validate:"min=0"`
	Height  int64   `yaml:"height" validate:"min=0"`
	Scale   float64 `yaml:"scale" validate:"min=0"`
	Quality int     `yaml:"quality" validate:"min=0,max=100"`

	// Settle is how long the network must stay idle before the capture.
	Settle  time.Duration `yaml:"settle"`
	Timeout time.Duration `yaml:"timeout"`

	ChromePath string `yaml:"chrome_path"`
	UserAgent  string `yaml:"user_agent"`

	Storage StorageConfig `yaml:"storage"`
}

// StorageConfig selects the bucket screenshots are written to.
type StorageConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Endpoint targets an S3-compatible service instead of AWS.
	Endpoint     string `yaml:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// PublicBaseURL prefixes object keys in returned URLs.
	PublicBaseURL string `yaml:"public_base_url" validate:"omitempty,url"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// DefaultConfig returns an iPhone-sized dark-mode capture.
func DefaultConfig() Config {
	return Config{
		Width:     390,
		Height:    844,
		Scale:     2,
		Quality:   80,
		Settle:    time.Second,
		Timeout:   45 * time.Second,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		Storage: StorageConfig{
			Region: "us-east-1",
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Width == 0 {
		c.Width = def.Width
	}
	if c.Height == 0 {
		c.Height = def.Height
	}
	if c.Scale == 0 {
		c.Scale = def.Scale
	}
	if c.Quality == 0 {
		c.Quality = def.Quality
	}
	if c.Settle == 0 {
		c.Settle = def.Settle
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Storage.Region == "" {
		c.Storage.Region = def.Storage.Region
	}
	return c
}

// Capturer renders a URL to JPEG bytes.
type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Uploader stores an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Service implements engine.Screenshotter.
type Service struct {
	capturer Capturer
	uploader Uploader
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ engine.Screenshotter = (*Service)(nil)

// NewService combines a capturer and an uploader.
func NewService(capturer Capturer, uploader Uploader, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		capturer: capturer,
		uploader: uploader,
		timeout:  timeout,
		logger:   logger.With().Str("component", "screenshot").Logger(),
	}
}

// New builds the chromedp capturer and S3 uploader from cfg.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	uploader, err := NewS3Uploader(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return NewService(NewBrowser(cfg), uploader, cfg.Timeout, logger), nil
}

// Capture screenshots url and stores the image under key.
func (s *Service) Capture(ctx context.Context, url, key string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := s.capturer.Capture(ctx, url)
	if err != nil {
		return "", engine.NewExternalServiceError(engine.SystemScreenshot, "failed to capture page", err).
			WithOperation("capture").
			WithResource(url)
	}

	publicURL, err := s.uploader.Upload(ctx, key, "image/jpeg", data)
	if err != nil {
		return "", engine.NewExternalServiceError(engine.SystemScreenshot, "failed to store screenshot", err).
			WithOperation("upload").
			WithResource(key)
	}

	s.logger.Info().
		Str("url", url).
		Str("key", key).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Screenshot stored")
	return publicURL, nil
}
