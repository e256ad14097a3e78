package engine

import (
	"context"
	"time"
)

// DomainPoller confirms a bound domain with a fixed interval between checks.
type DomainPoller struct {
	hosting  Hosting
	attempts int
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// DomainCheckFunc observes one verification check, including failed lookups.
type DomainCheckFunc func(attempt, attempts int, verified bool, err error)

// NewDomainPoller creates a poller performing at most attempts checks.
func NewDomainPoller(hosting Hosting, attempts int, interval time.Duration) *DomainPoller {
	if attempts < 1 {
		attempts = 1
	}
	return &DomainPoller{
		hosting:  hosting,
		attempts: attempts,
		interval: interval,
		sleep:    sleepContext,
	}
}

// PollUntilVerified calls VerifyDomain until it reports true or the attempt
// budget is spent. Exhaustion returns false and no error; a lookup error
// counts as an unverified check. Only context cancellation is returned as an
// error.
func (p *DomainPoller) PollUntilVerified(ctx context.Context, hostingProjectID, domainPrefix string) (bool, error) {
	return p.Poll(ctx, hostingProjectID, domainPrefix, nil)
}

// Poll is PollUntilVerified with onCheck called after every check.
func (p *DomainPoller) Poll(ctx context.Context, hostingProjectID, domainPrefix string, onCheck DomainCheckFunc) (bool, error) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		verified, err := p.hosting.VerifyDomain(ctx, hostingProjectID, domainPrefix)
		if onCheck != nil {
			onCheck(attempt, p.attempts, verified, err)
		}
		if err == nil && verified {
			return true, nil
		}
		if attempt == p.attempts {
			break
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return false, err
		}
	}
	return false, nil
}
