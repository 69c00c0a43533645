// Package bandwidth tracks network usage per context (global, domain,
// subscription) and answers the admission questions asked by network jobs.
package bandwidth

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

type RuleKind string

const (
	RuleData     RuleKind = "data"
	RuleRequests RuleKind = "requests"
)

// Rule: au plus Max octets (ou requêtes) sur une fenêtre glissante.
type Rule struct {
	Kind   RuleKind      `json:"kind" toml:"kind" yaml:"kind"`
	Window time.Duration `json:"window" toml:"window" yaml:"window"`
	Max    int64         `json:"max" toml:"max" yaml:"max"`
}

type RateSpec struct {
	PerSecond float64 `json:"perSecond" toml:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" toml:"burst" yaml:"burst"`
}

type Config struct {
	// Règles par défaut selon le type de contexte.
	Defaults map[domain.ContextKind][]Rule
	// Surcharges exactes, clé = NetworkContext.String() ("domain:example.com").
	Overrides map[string][]Rule
	// Limiteur de débit de requêtes par domaine; "" = défaut pour tous les domaines.
	RequestRates map[string]RateSpec
}

func DefaultConfig() Config {
	return Config{
		Defaults: map[domain.ContextKind][]Rule{
			domain.ContextGlobal: {{Kind: RuleRequests, Window: time.Second, Max: 20}},
			domain.ContextDomain: {
				{Kind: RuleRequests, Window: time.Second, Max: 1},
				{Kind: RuleRequests, Window: time.Minute, Max: 60},
			},
		},
		Overrides:    map[string][]Rule{},
		RequestRates: map[string]RateSpec{},
	}
}

type bucket struct {
	sec      int64
	bytes    int64
	requests int64
}

// tracker garde l'usage par seconde, élagué à la plus longue fenêtre.
type tracker struct {
	buckets []bucket
}

func (t *tracker) add(now time.Time, bytes, requests int64) {
	sec := now.Unix()
	if n := len(t.buckets); n > 0 && t.buckets[n-1].sec == sec {
		t.buckets[n-1].bytes += bytes
		t.buckets[n-1].requests += requests
		return
	}
	t.buckets = append(t.buckets, bucket{sec: sec, bytes: bytes, requests: requests})
}

func (t *tracker) prune(now time.Time, keep time.Duration) {
	cutoff := now.Unix() - int64(keep/time.Second)
	i := 0
	for i < len(t.buckets) && t.buckets[i].sec <= cutoff {
		i++
	}
	if i > 0 {
		t.buckets = append(t.buckets[:0], t.buckets[i:]...)
	}
}

func windowSecs(w time.Duration) int64 {
	s := int64(w / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (t *tracker) used(now time.Time, r Rule) int64 {
	cutoff := now.Unix() - windowSecs(r.Window)
	var total int64
	for i := len(t.buckets) - 1; i >= 0 && t.buckets[i].sec > cutoff; i-- {
		total += pick(t.buckets[i], r.Kind)
	}
	return total
}

// waitFor: temps avant que used+need <= max, en laissant sortir les buckets les plus anciens.
func (t *tracker) waitFor(now time.Time, r Rule, need int64) time.Duration {
	used := t.used(now, r)
	if used+need <= r.Max {
		return 0
	}
	win := windowSecs(r.Window)
	cutoff := now.Unix() - win
	for _, b := range t.buckets {
		if b.sec <= cutoff {
			continue
		}
		used -= pick(b, r.Kind)
		if used+need <= r.Max {
			leave := time.Unix(b.sec+win, 0)
			return leave.Sub(now)
		}
	}
	return r.Window
}

func pick(b bucket, k RuleKind) int64 {
	if k == RuleRequests {
		return b.requests
	}
	return b.bytes
}

// Manager implémente ports.BandwidthManager.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	usage     map[domain.NetworkContext]*tracker
	limiters  map[string]*rate.Limiter
	paused    bool
	maxWindow time.Duration

	now func() time.Time
}

func New(cfg Config) *Manager {
	m := &Manager{usage: map[domain.NetworkContext]*tracker{}, now: time.Now}
	m.SetConfig(cfg)
	return m
}

// SetConfig remplace les règles à chaud; l'usage mesuré est conservé.
func (m *Manager) SetConfig(cfg Config) {
	if cfg.Defaults == nil {
		cfg.Defaults = map[domain.ContextKind][]Rule{}
	}
	if cfg.Overrides == nil {
		cfg.Overrides = map[string][]Rule{}
	}
	maxWindow := time.Second
	for _, rules := range cfg.Defaults {
		for _, r := range rules {
			maxWindow = max(maxWindow, r.Window)
		}
	}
	for _, rules := range cfg.Overrides {
		for _, r := range rules {
			maxWindow = max(maxWindow, r.Window)
		}
	}
	m.mu.Lock()
	m.cfg = cfg
	m.maxWindow = maxWindow
	m.limiters = map[string]*rate.Limiter{}
	m.mu.Unlock()
}

// SetPaused coupe toute admission réseau.
func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) rulesLocked(nc domain.NetworkContext) []Rule {
	if r, ok := m.cfg.Overrides[nc.String()]; ok {
		return r
	}
	return m.cfg.Defaults[nc.Kind]
}

func (m *Manager) trackerLocked(nc domain.NetworkContext, now time.Time) *tracker {
	t, ok := m.usage[nc]
	if !ok {
		t = &tracker{}
		m.usage[nc] = t
	}
	t.prune(now, m.maxWindow)
	return t
}

func (m *Manager) limiterLocked(nc domain.NetworkContext) *rate.Limiter {
	if nc.Kind != domain.ContextDomain {
		return nil
	}
	if l, ok := m.limiters[nc.Key]; ok {
		return l
	}
	spec, ok := m.cfg.RequestRates[nc.Key]
	if !ok {
		spec, ok = m.cfg.RequestRates[""]
	}
	if !ok || spec.PerSecond <= 0 {
		return nil
	}
	burst := spec.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(spec.PerSecond), burst)
	m.limiters[nc.Key] = l
	return l
}

func (m *Manager) canDoWorkLocked(contexts []domain.NetworkContext, threshold int64, now time.Time) bool {
	if m.paused {
		return false
	}
	for _, nc := range contexts {
		t := m.trackerLocked(nc, now)
		for _, r := range m.rulesLocked(nc) {
			switch r.Kind {
			case RuleData:
				if t.used(now, r)+dataNeed(threshold, r.Max) > r.Max {
					return false
				}
			case RuleRequests:
				if t.used(now, r) >= r.Max {
					return false
				}
			}
		}
	}
	return true
}

// dataNeed borne le seuil à [1, max]: une règle plus petite qu'un chunk
// reste franchissable dès que sa fenêtre est vide.
func dataNeed(threshold, limit int64) int64 {
	return min(max(threshold, 1), limit)
}

func (m *Manager) CanDoWork(contexts []domain.NetworkContext, threshold int64) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canDoWorkLocked(contexts, threshold, now)
}

// TryToStartRequest consomme un slot de requête sur tous les contextes, ou aucun.
func (m *Manager) TryToStartRequest(contexts []domain.NetworkContext) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canDoWorkLocked(contexts, 0, now) {
		return false
	}
	var reserved []*rate.Reservation
	for _, nc := range contexts {
		l := m.limiterLocked(nc)
		if l == nil {
			continue
		}
		r := l.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range reserved {
				prev.CancelAt(now)
			}
			return false
		}
		reserved = append(reserved, r)
	}
	for _, nc := range contexts {
		m.trackerLocked(nc, now).add(now, 0, 1)
	}
	return true
}

func (m *Manager) ReportDataUsed(contexts []domain.NetworkContext, n int64) {
	if n <= 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nc := range contexts {
		m.trackerLocked(nc, now).add(now, n, 0)
	}
}

// GetWaitingEstimateAndContext renvoie l'attente la plus longue et le contexte qui la cause.
func (m *Manager) GetWaitingEstimateAndContext(contexts []domain.NetworkContext) (time.Duration, domain.NetworkContext) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return time.Minute, domain.GlobalContext()
	}
	var (
		longest time.Duration
		culprit domain.NetworkContext
	)
	if len(contexts) > 0 {
		culprit = contexts[0]
	}
	for _, nc := range contexts {
		t := m.trackerLocked(nc, now)
		for _, r := range m.rulesLocked(nc) {
			// Un octet suffit à débloquer une règle de données pleine.
			w := t.waitFor(now, r, 1)
			if w > longest {
				longest, culprit = w, nc
			}
		}
		if l := m.limiterLocked(nc); l != nil {
			if tokens := l.TokensAt(now); tokens < 1 {
				w := time.Duration((1 - tokens) / float64(l.Limit()) * float64(time.Second))
				if w > longest {
					longest, culprit = w, nc
				}
			}
		}
	}
	return longest, culprit
}

type Usage struct {
	Context  string `json:"context"`
	Bytes    int64  `json:"bytes"`
	Requests int64  `json:"requests"`
	Window   string `json:"window"`
}

// Snapshot renvoie l'usage courant sur la plus longue fenêtre, pour l'API.
func (m *Manager) Snapshot() []Usage {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Usage, 0, len(m.usage))
	for nc, t := range m.usage {
		t.prune(now, m.maxWindow)
		if len(t.buckets) == 0 {
			continue
		}
		out = append(out, Usage{
			Context:  nc.String(),
			Bytes:    t.used(now, Rule{Kind: RuleData, Window: m.maxWindow}),
			Requests: t.used(now, Rule{Kind: RuleRequests, Window: m.maxWindow}),
			Window:   m.maxWindow.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out
}
