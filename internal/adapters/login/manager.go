// Package login vérifie qu'une session est valide pour les domaines qui en
// exigent une, avant que les abonnements n'y envoient des requêtes.
package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

var ErrNoProbe = errors.New("login required but no probe configured")

type DomainLogin struct {
	// ProbeURL est une page accessible seulement une fois connecté.
	ProbeURL     string `json:"probeUrl" toml:"probe_url" yaml:"probe_url"`
	ExpectStatus int    `json:"expectStatus" toml:"expect_status" yaml:"expect_status"`
	MustContain  string `json:"mustContain" toml:"must_contain" yaml:"must_contain"`
}

type Config struct {
	Domains map[string]DomainLogin
	// Durée de validité d'une vérification réussie.
	TTL time.Duration
	// Un échec est mémorisé ce temps-là avant de re-sonder.
	FailureTTL time.Duration
	// Durée max d'un sondage, indépendante de l'appelant.
	ProbeTimeout time.Duration
}

// Probe vérifie la session pour un domaine; nil = connecté.
type Probe func(ctx context.Context, domainKey string, dl DomainLogin) error

type state struct {
	validUntil  time.Time
	failedUntil time.Time
	lastErr     error
}

// Manager implémente ports.LoginManager.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*state
	group  singleflight.Group
	probe  Probe
	logger zerolog.Logger

	now func() time.Time
}

func New(cfg Config, probe Probe, logger zerolog.Logger) *Manager {
	m := &Manager{states: map[string]*state{}, probe: probe, logger: logger, now: time.Now}
	m.SetConfig(cfg)
	return m
}

func (m *Manager) SetConfig(cfg Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	norm := make(map[string]DomainLogin, len(cfg.Domains))
	for k, v := range cfg.Domains {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	cfg.Domains = norm
	m.mu.Lock()
	m.cfg = cfg
	m.states = map[string]*state{}
	m.mu.Unlock()
}

func (m *Manager) NeedsLogin(nc domain.NetworkContext) bool {
	if nc.Kind != domain.ContextDomain {
		return false
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cfg.Domains[nc.Key]; !ok {
		return false
	}
	st := m.states[nc.Key]
	return st == nil || !now.Before(st.validUntil)
}

// CheckCanLogin: un seul sondage à la fois par domaine, résultat mis en cache.
// Le sondage survit à l'annulation de l'appelant: celui-ci repart avec ctx.Err()
// et rien n'est mémorisé pour lui.
func (m *Manager) CheckCanLogin(ctx context.Context, nc domain.NetworkContext) error {
	if !m.NeedsLogin(nc) {
		return nil
	}
	key := nc.Key
	now := m.now()
	m.mu.Lock()
	dl := m.cfg.Domains[key]
	timeout := m.cfg.ProbeTimeout
	if st := m.states[key]; st != nil && now.Before(st.failedUntil) {
		err := st.lastErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	probeCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		pctx, cancel := context.WithTimeout(probeCtx, timeout)
		defer cancel()
		var perr error
		if m.probe == nil {
			perr = ErrNoProbe
		} else {
			perr = m.probe(pctx, key, dl)
		}
		done := m.now()
		m.mu.Lock()
		st := &state{}
		if perr == nil {
			st.validUntil = done.Add(m.cfg.TTL)
		} else {
			perr = fmt.Errorf("login to %s: %w", key, perr)
			st.failedUntil = done.Add(m.cfg.FailureTTL)
			st.lastErr = perr
		}
		m.states[key] = st
		m.mu.Unlock()
		return nil, perr
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil && !res.Shared {
			m.logger.Warn().Err(res.Err).Str("domain", key).Msg("login check failed")
		}
		return res.Err
	}
}

// Invalidate oublie l'état d'un domaine (nouveaux cookies importés, etc.).
func (m *Manager) Invalidate(domainKey string) {
	m.mu.Lock()
	delete(m.states, strings.ToLower(domainKey))
	m.mu.Unlock()
}

type Status struct {
	Domain     string    `json:"domain"`
	ValidUntil time.Time `json:"validUntil,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
}

func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.cfg.Domains))
	for key := range m.cfg.Domains {
		s := Status{Domain: key}
		if st := m.states[key]; st != nil {
			s.ValidUntil = st.validUntil
			if st.lastErr != nil {
				s.LastError = st.lastErr.Error()
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// HTTPProbe sonde ProbeURL avec le client partagé (et donc son cookie jar).
func HTTPProbe(client *http.Client) Probe {
	return func(ctx context.Context, _ string, dl DomainLogin) error {
		if strings.TrimSpace(dl.ProbeURL) == "" {
			return ErrNoProbe
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.ProbeURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		want := dl.ExpectStatus
		if want == 0 {
			want = http.StatusOK
		}
		if resp.StatusCode != want {
			return fmt.Errorf("probe answered %d, want %d", resp.StatusCode, want)
		}
		if dl.MustContain != "" {
			body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
			if err != nil {
				return err
			}
			if !strings.Contains(string(body), dl.MustContain) {
				return errors.New("probe page does not look logged in")
			}
		}
		return nil
	}
}
