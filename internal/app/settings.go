package app

import (
	"context"
	"slices"
	"sync"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// SettingsService persiste les réglages et notifie les composants qui en dépendent
// (limiteur de connexions, manager, runner).
type SettingsService struct {
	repo ports.SettingsRepository

	mu        sync.RWMutex
	current   domain.Settings
	loaded    bool
	listeners []func(domain.Settings)
}

func NewSettingsService(repo ports.SettingsRepository) *SettingsService {
	return &SettingsService{repo: repo}
}

// OnChange enregistre un callback appelé après chaque Put réussi.
func (s *SettingsService) OnChange(fn func(domain.Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *SettingsService) Get(ctx context.Context) (domain.Settings, error) {
	s.mu.RLock()
	if s.loaded {
		cur := s.current
		s.mu.RUnlock()
		return cur, nil
	}
	s.mu.RUnlock()

	got, err := s.repo.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	got = got.Normalize()
	s.mu.Lock()
	s.current, s.loaded = got, true
	s.mu.Unlock()
	return got, nil
}

// Current ne touche jamais au stockage; défauts si rien n'est chargé.
func (s *SettingsService) Current() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return domain.DefaultSettings()
	}
	return s.current
}

func (s *SettingsService) Put(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return domain.Settings{}, &CodedError{Code: CodeInvalid, Message: "invalid settings", Err: err}
	}
	saved, err := s.repo.Put(ctx, settings)
	if err != nil {
		return domain.Settings{}, err
	}
	s.mu.Lock()
	s.current, s.loaded = saved, true
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(saved)
	}
	return saved, nil
}

// SetSubscriptionsPaused bascule la pause globale des abonnements.
func (s *SettingsService) SetSubscriptionsPaused(ctx context.Context, paused bool) (domain.Settings, error) {
	cur, err := s.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	cur.PauseSubscriptions = paused
	return s.Put(ctx, cur)
}
