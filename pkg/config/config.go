package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/usewisp/wisp/pkg/engine"
	"github.com/usewisp/wisp/pkg/providers/cloudflare"
	"github.com/usewisp/wisp/pkg/providers/github"
	"github.com/usewisp/wisp/pkg/providers/openai"
	"github.com/usewisp/wisp/pkg/providers/screenshot"
	"github.com/usewisp/wisp/pkg/providers/vercel"
	"github.com/usewisp/wisp/pkg/stores"
	"github.com/usewisp/wisp/pkg/telemetry"
)

// Config is the complete runtime configuration.
type Config struct {
	Pipeline  engine.PipelineConfig `yaml:"pipeline"`
	Database  stores.Config         `yaml:"database"`
	Redis     RedisConfig           `yaml:"redis"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
	Server    ServerConfig          `yaml:"server"`
	Reaper    ReaperConfig          `yaml:"reaper"`
	Policy    PolicyConfig          `yaml:"policy"`

	GitHub     github.Config     `yaml:"github"`
	Vercel     vercel.Config     `yaml:"vercel"`
	Cloudflare cloudflare.Config `yaml:"cloudflare"`
	OpenAI     openai.Config     `yaml:"openai"`
	Screenshot screenshot.Config `yaml:"screenshot"`
}

// RedisConfig enables the shared project lease. An empty URL keeps leases
// in process.
type RedisConfig struct {
	URL   string                   `yaml:"url"`
	Lease stores.RedisLockerConfig `yaml:"lease"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReaperConfig schedules the stale pipeline sweep.
type ReaperConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec or an @every descriptor.
	Schedule string `yaml:"schedule" validate:"required_if=Enabled true"`

	// Threshold is how long a pipeline may go without a status write.
	Threshold time.Duration `yaml:"threshold"`
}

// PolicyConfig lists extra change-guard policies.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// Default returns the production pipeline constants with local storage and
// no credentials.
func Default() *Config {
	return &Config{
		Pipeline: engine.DefaultPipelineConfig(),
		Database: stores.Config{
			Path:            "wisp.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Lease: stores.RedisLockerConfig{TTL: 2 * time.Minute},
		},
		Telemetry: *telemetry.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Reaper: ReaperConfig{
			Enabled:   true,
			Schedule:  "@every 5m",
			Threshold: 30 * time.Minute,
		},
		GitHub: github.Config{
			MaxFileBytes:     256 * 1024,
			FetchConcurrency: 8,
		},
		Vercel: vercelDefaults(),
		Cloudflare: cloudflare.Config{
			CNAMETarget: "cname.vercel-dns.com.",
			TTL:         1,
			MaxRetries:  3,
		},
		OpenAI:     openai.DefaultConfig(),
		Screenshot: screenshot.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), envFiles (missing files are ignored) and the process
// environment, then validates it.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.derive()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays environment variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs *multierror.Error
	boolean := func(dst *bool, key string) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(dst *[]string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str(&c.Telemetry.Environment, "WISP_ENV")
	str(&c.Telemetry.Logging.Level, "WISP_LOG_LEVEL", "LOG_LEVEL")
	str(&c.Telemetry.Logging.Format, "WISP_LOG_FORMAT")
	str(&c.Database.Path, "WISP_DATABASE_PATH")
	str(&c.Redis.URL, "WISP_REDIS_URL", "REDIS_URL")
	str(&c.Server.Addr, "WISP_SERVER_ADDR")
	boolean(&c.Reaper.Enabled, "WISP_REAPER_ENABLED")
	str(&c.Reaper.Schedule, "WISP_REAPER_SCHEDULE")
	duration(&c.Reaper.Threshold, "WISP_REAPER_THRESHOLD")
	list(&c.Policy.Paths, "WISP_POLICY_PATHS")

	str(&c.Pipeline.TemplateOwner, "WISP_TEMPLATE_OWNER")
	str(&c.Pipeline.TemplateRepo, "WISP_TEMPLATE_REPO")
	str(&c.Pipeline.RepoOwner, "WISP_REPO_OWNER")
	str(&c.Pipeline.DomainSuffix, "WISP_DOMAIN_SUFFIX")

	str(&c.GitHub.Token, "WISP_GITHUB_TOKEN", "GITHUB_TOKEN")
	str(&c.GitHub.BaseURL, "WISP_GITHUB_BASE_URL")
	str(&c.Vercel.Token, "WISP_VERCEL_TOKEN", "VERCEL_BEARER_TOKEN")
	str(&c.Vercel.TeamID, "WISP_VERCEL_TEAM_ID", "VERCEL_TEAM_ID")
	str(&c.Cloudflare.APIToken, "WISP_CLOUDFLARE_API_TOKEN", "CLOUDFLARE_API_TOKEN")
	str(&c.Cloudflare.ZoneID, "WISP_CLOUDFLARE_ZONE_ID", "CLOUDFLARE_ZONE_ID")
	str(&c.OpenAI.APIKey, "WISP_OPENAI_API_KEY", "OPENAI_API_KEY")
	str(&c.OpenAI.BaseURL, "WISP_OPENAI_BASE_URL", "OPENAI_BASE_URL")
	str(&c.OpenAI.Model, "WISP_OPENAI_MODEL")

	boolean(&c.Screenshot.Enabled, "WISP_SCREENSHOT_ENABLED")
	str(&c.Screenshot.ChromePath, "WISP_CHROME_PATH")
	str(&c.Screenshot.Storage.Bucket, "WISP_SCREENSHOT_BUCKET")
	str(&c.Screenshot.Storage.Region, "WISP_SCREENSHOT_REGION", "AWS_REGION")
	str(&c.Screenshot.Storage.Endpoint, "WISP_SCREENSHOT_ENDPOINT")
	str(&c.Screenshot.Storage.PublicBaseURL, "WISP_SCREENSHOT_PUBLIC_URL")

	return errs.ErrorOrNil()
}

// derive fills provider fields that repeat pipeline settings.
func (c *Config) derive() {
	if c.GitHub.Owner == "" {
		c.GitHub.Owner = c.Pipeline.RepoOwner
	}
	if c.Vercel.DomainSuffix == "" {
		c.Vercel.DomainSuffix = c.Pipeline.DomainSuffix
	}
}

// vercelDefaults leaves the domain suffix to derive.
func vercelDefaults() vercel.Config {
	v := vercel.DefaultConfig()
	v.DomainSuffix = ""
	return v
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// providerSections are validated by RequireProviders only, since commands
// such as migrate run without credentials.
var providerSections = []string{"GitHub", "Vercel", "Cloudflare", "OpenAI"}

// Validate checks everything except provider credentials.
func (c *Config) Validate() error {
	if err := validate.StructExcept(c, providerSections...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if c.Reaper.Enabled {
		if _, err := cron.ParseStandard(c.Reaper.Schedule); err != nil {
			return fmt.Errorf("invalid reaper schedule %q: %w", c.Reaper.Schedule, err)
		}
		if c.Reaper.Threshold <= 0 {
			return fmt.Errorf("reaper threshold must be positive")
		}
	}
	if c.Screenshot.Enabled && c.Screenshot.Storage.Bucket == "" {
		return fmt.Errorf("screenshot storage bucket is required when screenshots are enabled")
	}
	return nil
}

// RequireProviders validates the credentials of the external systems the
// pipeline drives. Code generation is required unless skipCodegen is set.
func (c *Config) RequireProviders(skipCodegen bool) error {
	var errs *multierror.Error
	check := func(name string, section interface{}) {
		if err := validate.Struct(section); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	check("github", c.GitHub)
	check("vercel", c.Vercel)
	check("cloudflare", c.Cloudflare)
	if !skipCodegen {
		check("openai", c.OpenAI)
	}
	return errs.ErrorOrNil()
}
