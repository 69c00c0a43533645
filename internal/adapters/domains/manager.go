// Package domains holds per-domain request policy: recent-error circuit
// breaker, default and per-domain headers, referral policy.
package domains

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

type ReferralPolicy string

const (
	ReferralKeep ReferralPolicy = "keep"
	ReferralNone ReferralPolicy = "none"
)

type DomainConfig struct {
	Headers  map[string]string `json:"headers" toml:"headers" yaml:"headers"`
	Referral ReferralPolicy    `json:"referral" toml:"referral" yaml:"referral"`
}

type Config struct {
	UserAgent string
	// Disjoncteur: ErrorThreshold erreurs réseau dans ErrorWindow => domaine KO.
	ErrorThreshold int
	ErrorWindow    time.Duration
	// Clé: domaine (second niveau ou hôte complet).
	Domains map[string]DomainConfig
}

func DefaultConfig() Config {
	return Config{
		UserAgent:      "gallery-subscriber/1.0",
		ErrorThreshold: 3,
		ErrorWindow:    10 * time.Minute,
		Domains:        map[string]DomainConfig{},
	}
}

// Manager implémente ports.DomainManager.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	errors map[string][]time.Time
	logger zerolog.Logger

	now func() time.Time
}

func New(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{errors: map[string][]time.Time{}, logger: logger, now: time.Now}
	m.SetConfig(cfg)
	return m
}

func (m *Manager) SetConfig(cfg Config) {
	d := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = d.ErrorThreshold
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = d.ErrorWindow
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = d.UserAgent
	}
	norm := make(map[string]DomainConfig, len(cfg.Domains))
	for k, v := range cfg.Domains {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	cfg.Domains = norm
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// errorKey regroupe les erreurs au niveau du domaine de second niveau.
func errorKey(rawURL string) string {
	return domain.SecondLevelDomain(domain.DomainOf(rawURL))
}

func (m *Manager) recentLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-m.cfg.ErrorWindow)
	ts := m.errors[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) == 0 {
		delete(m.errors, key)
		return nil
	}
	m.errors[key] = ts
	return ts
}

func (m *Manager) DomainOK(rawURL string) bool {
	key := errorKey(rawURL)
	if key == "" {
		return true
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recentLocked(key, now)) < m.cfg.ErrorThreshold
}

func (m *Manager) ReportNetworkError(rawURL string, err error) {
	key := errorKey(rawURL)
	if key == "" {
		return
	}
	now := m.now()
	m.mu.Lock()
	ts := append(m.recentLocked(key, now), now)
	m.errors[key] = ts
	tripped := len(ts) == m.cfg.ErrorThreshold
	m.mu.Unlock()
	if tripped {
		m.logger.Warn().Err(err).Str("domain", key).Int("errors", len(ts)).Msg("domain marked unhealthy")
	}
}

// UnhealthyDomains liste les domaines actuellement coupés, pour l'API.
func (m *Manager) UnhealthyDomains() []string {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for key := range m.errors {
		if len(m.recentLocked(key, now)) >= m.cfg.ErrorThreshold {
			out = append(out, key)
		}
	}
	return out
}

// lookupLocked cherche la config de l'hôte exact, puis du domaine de second niveau.
func (m *Manager) lookupLocked(host string) (DomainConfig, bool) {
	if c, ok := m.cfg.Domains[host]; ok {
		return c, true
	}
	c, ok := m.cfg.Domains[domain.SecondLevelDomain(host)]
	return c, ok
}

// GetHeaders: User-Agent, puis les en-têtes des domaines du plus général au plus précis.
func (m *Manager) GetHeaders(contexts []domain.NetworkContext) http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := http.Header{}
	h.Set("User-Agent", m.cfg.UserAgent)
	for _, nc := range contexts {
		if nc.Kind != domain.ContextDomain {
			continue
		}
		c, ok := m.cfg.Domains[nc.Key]
		if !ok {
			continue
		}
		for k, v := range c.Headers {
			h.Set(k, v)
		}
	}
	return h
}

func (m *Manager) GetReferralURL(rawURL, fallback string) string {
	host := domain.DomainOf(rawURL)
	m.mu.Lock()
	c, ok := m.lookupLocked(host)
	m.mu.Unlock()
	if ok && c.Referral == ReferralNone {
		return ""
	}
	return fallback
}
