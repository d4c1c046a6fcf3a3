// Package admission gates job claims per source domain.
//
// The controller is advisory: it reads last-fetch state and decides
// eligibility without holding a lock across the subsequent fetch, so under
// concurrent claims a domain can briefly exceed its configured limit. That
// soft-limit behavior is deliberate; callers must treat a denial as "skip
// this candidate", never as a hard guarantee.
package admission

import (
	"sync"
	"time"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

type domainEntry struct {
	inFlight    int
	lastFetchAt time.Time
	minSpacing  time.Duration
}

// Controller tracks per-domain in-flight counts and fetch spacing.
type Controller struct {
	mu             sync.Mutex
	domains        map[string]*domainEntry
	defaultSpacing time.Duration
}

// NewController builds a Controller seeding unknown domains with
// defaultSpacing.
func NewController(defaultSpacing time.Duration) *Controller {
	return &Controller{
		domains:        make(map[string]*domainEntry),
		defaultSpacing: defaultSpacing,
	}
}

func (c *Controller) entry(domain string) *domainEntry {
	e, ok := c.domains[domain]
	if !ok {
		e = &domainEntry{minSpacing: c.defaultSpacing}
		c.domains[domain] = e
	}
	return e
}

// Admit reports whether a claim against domain may proceed at now.
func (c *Controller) Admit(domain string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(domain)
	if e.minSpacing <= 0 {
		return true
	}
	return now.Sub(e.lastFetchAt) >= e.minSpacing
}

// OnClaim records a successful claim.
func (c *Controller) OnClaim(domain string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(domain)
	e.inFlight++
	e.lastFetchAt = now
}

// OnRelease records job completion or failure.
func (c *Controller) OnRelease(domain string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(domain)
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.lastFetchAt = now
}

// Throttle sets the minimum spacing for one domain.
func (c *Controller) Throttle(domain string, spacing time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(domain).minSpacing = spacing
}

// RaiseAll lifts every known domain's spacing to at least spacing and makes
// it the default for domains seen later. Used by emergency stop to prevent
// a restart storm.
func (c *Controller) RaiseAll(spacing time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if spacing > c.defaultSpacing {
		c.defaultSpacing = spacing
	}
	for _, e := range c.domains {
		if e.minSpacing < spacing {
			e.minSpacing = spacing
		}
	}
}

// State returns a snapshot for one domain.
func (c *Controller) State(domain string) pipeline.DomainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(domain)
	return pipeline.DomainState{
		Domain:      domain,
		InFlight:    e.inFlight,
		LastFetchAt: e.lastFetchAt,
		MinSpacing:  e.minSpacing,
	}
}
