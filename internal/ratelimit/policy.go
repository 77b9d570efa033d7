// Package ratelimit distinguishes transient throttling from genuine task
// failure and rotates credentials so the pipeline stays saturated. A
// rate-limited run is never counted as a failure; the identical assignment is
// redispatched under the next available credential.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/swarmgit/swarmgit/internal/executor"
)

// markers match throttling signals in executor output or errors: the
// HTTP 429 family plus common quota/rate-limit phrasing.
var markers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"rate-limit",
	"too many requests",
	"quota exceeded",
	"quota exhausted",
	"overloaded",
	"capacity constraints",
}

// Detect reports whether a terminal result is a throttling outcome rather
// than a real failure.
func Detect(res executor.Result) bool {
	if res.RateLimited {
		return true
	}
	if res.Success {
		return false
	}
	return DetectText(res.Error) || DetectText(tail(res.Output, 2000))
}

// DetectText scans free text for throttling markers. Used for periodic scans
// of a worker's recent output when the executor has no structured signal.
func DetectText(s string) bool {
	low := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Pool is a prioritized round-robin credential pool with per-entry cooldown.
type Pool struct {
	Cooldown time.Duration

	mu      sync.Mutex
	creds   []Credential
	cooling []time.Time
}

const defaultCooldown = 5 * time.Minute

// NewPool returns a pool over creds. A nil or empty creds list yields a pool
// of size zero; callers then run without credential rotation.
func NewPool(creds []Credential, cooldown time.Duration) *Pool {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Pool{Cooldown: cooldown, creds: creds, cooling: make([]time.Time, len(creds))}
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// MarkCooling puts the credential at idx on cooldown for the configured
// window.
func (p *Pool) MarkCooling(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.cooling) {
		return
	}
	p.cooling[idx] = time.Now().Add(p.Cooldown)
}

// Next returns the index of the next available credential after idx in
// round-robin order. The second return is false when every credential is
// cooling down; the caller should retry after a short delay rather than fail.
func (p *Pool) Next(idx int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.creds)
	if n == 0 {
		return 0, false
	}
	now := time.Now()
	for i := 1; i <= n; i++ {
		candidate := (idx + i) % n
		if p.cooling[candidate].Before(now) {
			return candidate, true
		}
	}
	return idx, false
}

// Available reports whether the credential at idx is usable now.
func (p *Pool) Available(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.cooling) {
		return false
	}
	return p.cooling[idx].Before(time.Now())
}

// Env returns the credential at idx as KEY=VALUE pairs for the executor
// process environment. Empty when the pool has no credentials.
func (p *Pool) Env(idx int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.creds) {
		return nil
	}
	c := p.creds[idx]
	if c.EnvKey == "" {
		return nil
	}
	return []string{c.EnvKey + "=" + c.Material}
}

// Name returns the display name of the credential at idx.
func (p *Pool) Name(idx int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.creds) {
		return ""
	}
	return p.creds[idx].Name
}
