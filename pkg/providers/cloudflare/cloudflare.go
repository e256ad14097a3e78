// Package cloudflare implements the DNS capability with cloudflare-go.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"
	"github.com/rs/zerolog"

	"github.com/usewisp/wisp/pkg/engine"
)

// codeRecordExists is returned when a CNAME for the host already exists.
const codeRecordExists = 81053

// Config configures the Cloudflare provider.
type Config struct {
	APIToken string `yaml:"api_token" validate:"required"`
	ZoneID   string `yaml:"zone_id" validate:"required"`

	// CNAMETarget is the hosting edge every record points at.
	CNAMETarget string `yaml:"cname_target" validate:"omitempty,fqdn"`
	Proxied     bool   `yaml:"proxied"`

	// TTL in seconds; 1 means automatic.
	TTL int `yaml:"ttl" validate:"min=0"`

	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// MaxRetries is the client's own retry budget for 429 and 5xx.
	MaxRetries int `yaml:"max_retries" validate:"min=0"`
}

// Provider implements engine.DNS.
type Provider struct {
	api    *cf.API
	zone   *cf.ResourceContainer
	config Config
	logger zerolog.Logger
}

var _ engine.DNS = (*Provider)(nil)

// New creates a provider.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.APIToken == "" || cfg.ZoneID == "" {
		return nil, engine.NewValidationError("cloudflare api token and zone id are required", nil).
			WithOperation("new_cloudflare_provider")
	}
	if cfg.CNAMETarget == "" {
		cfg.CNAMETarget = "cname.vercel-dns.com."
	}
	if cfg.TTL == 0 {
		cfg.TTL = 1
	}

	opts := []cf.Option{
		cf.UsingRetryPolicy(cfg.MaxRetries, 1, 30),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, cf.BaseURL(cfg.BaseURL))
	}

	api, err := cf.NewWithAPIToken(cfg.APIToken, opts...)
	if err != nil {
		return nil, engine.NewValidationError("failed to create cloudflare client", err).
			WithOperation("new_cloudflare_provider")
	}

	return &Provider{
		api:    api,
		zone:   cf.ZoneIdentifier(cfg.ZoneID),
		config: cfg,
		logger: logger.With().Str("component", "cloudflare").Logger(),
	}, nil
}

// CreateRecord creates an unproxied CNAME domainPrefix → CNAMETarget and
// returns the record id.
func (p *Provider) CreateRecord(ctx context.Context, domainPrefix string) (string, error) {
	proxied := p.config.Proxied
	record, err := p.api.CreateDNSRecord(ctx, p.zone, cf.CreateDNSRecordParams{
		Type:    "CNAME",
		Name:    domainPrefix,
		Content: p.config.CNAMETarget,
		Proxied: &proxied,
		TTL:     p.config.TTL,
		Comment: "managed by wisp",
	})
	if err != nil {
		return "", classify(err, "create_dns_record", domainPrefix)
	}
	if record.ID == "" {
		return "", engine.NewExternalServiceError(engine.SystemDNS, "cloudflare returned a record without id", nil).
			WithOperation("create_dns_record").
			WithResource(domainPrefix)
	}

	p.logger.Info().Str("record_id", record.ID).Str("name", domainPrefix).Msg("DNS record created")
	return record.ID, nil
}

// DeleteRecord removes a record by id.
func (p *Provider) DeleteRecord(ctx context.Context, recordID string) error {
	if err := p.api.DeleteDNSRecord(ctx, p.zone, recordID); err != nil {
		return classify(err, "delete_dns_record", recordID)
	}
	p.logger.Info().Str("record_id", recordID).Msg("DNS record deleted")
	return nil
}

type codedError interface {
	ErrorCodeContains(code int) bool
}

func classify(err error, operation, resource string) error {
	var (
		notFound  *cf.NotFoundError
		rateLimit *cf.RatelimitError
		authn     *cf.AuthenticationError
		authz     *cf.AuthorizationError
		coded     codedError
		e         *engine.EngineError
	)

	// The client turns a 429 into a plain error once its own retries are spent.
	switch {
	case errors.As(err, &notFound):
		e = engine.NewNotFoundError(fmt.Sprintf("dns record %s not found", resource), err)
	case errors.As(err, &rateLimit), strings.Contains(err.Error(), "exceeded available rate limit retries"):
		e = engine.NewRateLimitedError(engine.SystemDNS, "cloudflare rate limit exceeded", 0, err)
	case errors.As(err, &authn), errors.As(err, &authz):
		e = engine.NewPermanentError("cloudflare rejected credentials", err).
			WithCode(engine.ErrCodeExternalService).
			WithDetail("system", engine.SystemDNS)
	case errors.As(err, &coded) && coded.ErrorCodeContains(codeRecordExists):
		e = engine.NewAlreadyExistsError(fmt.Sprintf("dns record %s already exists", resource), err)
	case errors.Is(err, context.DeadlineExceeded):
		e = engine.NewTransientError("cloudflare request timed out", err).
			WithCode(engine.ErrCodeTimeout).
			WithDetail("system", engine.SystemDNS)
	default:
		e = engine.NewExternalServiceError(engine.SystemDNS, fmt.Sprintf("cloudflare %s failed", operation), err)
	}
	return e.WithOperation(operation).WithResource(resource)
}
