package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// subscriptionRunner est implémenté par *SubscriptionRunner; remplaçable en test.
type subscriptionRunner interface {
	Run(ctx context.Context, name string, stop <-chan struct{}) RunResult
}

type ManagerOptions struct {
	// Délai ajouté après un run qui a travaillé, pour laisser respirer les autres.
	DidWorkBuffer time.Duration
	// Recul quand un run n'a rien pu faire alors que l'abonnement se dit dû.
	IdleBackoff time.Duration
	// Réévaluation périodique même sans réveil.
	MaxSleep time.Duration
	// Au-delà, les jobs réseau en cours sont annulés.
	ShutdownGrace time.Duration
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		DidWorkBuffer: 5 * time.Second,
		IdleBackoff:   30 * time.Second,
		MaxSleep:      5 * time.Minute,
		ShutdownGrace: 30 * time.Second,
	}
}

type ManagerDeps struct {
	Repo      ports.SubscriptionRepository
	Runner    subscriptionRunner
	Bandwidth ports.BandwidthManager
	Settings  func() domain.Settings
	Logger    zerolog.Logger
}

// SubscriptionsManager décide quel abonnement tourne et quand.
type SubscriptionsManager struct {
	logger zerolog.Logger
	repo   ports.SubscriptionRepository
	runner subscriptionRunner
	bw     ports.BandwidthManager
	opts   ManagerOptions
	now    func() time.Time

	settings func() domain.Settings

	mu        sync.Mutex
	subs      map[string]domain.Subscription
	running   map[string]bool
	cannotRun map[string]bool
	nextWork  map[string]time.Time
	paused    bool
	editing   bool
	pool      *WorkerPool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type ManagerEntry struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	CannotRun bool      `json:"cannotRun"`
	NextWork  time.Time `json:"nextWork,omitempty"`
}

type ManagerStatus struct {
	Paused          bool           `json:"paused"`
	Editing         bool           `json:"editing"`
	MaxSimultaneous int            `json:"maxSimultaneous"`
	Running         int            `json:"running"`
	Subscriptions   []ManagerEntry `json:"subscriptions"`
}

func NewSubscriptionsManager(deps ManagerDeps, opts ManagerOptions) *SubscriptionsManager {
	d := DefaultManagerOptions()
	if opts.DidWorkBuffer <= 0 {
		opts.DidWorkBuffer = d.DidWorkBuffer
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = d.IdleBackoff
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = d.MaxSleep
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = d.ShutdownGrace
	}
	if deps.Settings == nil {
		deps.Settings = domain.DefaultSettings
	}
	return &SubscriptionsManager{
		logger:    deps.Logger,
		repo:      deps.Repo,
		runner:    deps.Runner,
		bw:        deps.Bandwidth,
		settings:  deps.Settings,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		subs:      map[string]domain.Subscription{},
		running:   map[string]bool{},
		cannotRun: map[string]bool{},
		nextWork:  map[string]time.Time{},
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run boucle jusqu'à l'annulation de ctx, puis s'arrête proprement.
func (m *SubscriptionsManager) Run(ctx context.Context) error {
	defer close(m.done)

	// Les runs survivent à ctx pendant la période de grâce.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	workers := m.settings().MaxSimultaneousSubscriptions
	pool := NewWorkerPool(runCtx, m.logger, workers, m.runOne)
	pool.SetCount(workers)
	m.mu.Lock()
	m.pool = pool
	m.mu.Unlock()

	if err := m.Reload(ctx); err != nil {
		m.logger.Error().Err(err).Msg("initial subscription load failed")
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdown(pool, cancelRuns)
			return nil
		case <-m.wake:
		case <-timer.C:
		}
		wait := m.dispatch(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

func (m *SubscriptionsManager) shutdown(pool *WorkerPool, cancelRuns context.CancelFunc) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.logger.Info().Msg("subscriptions manager stopping")

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(m.opts.ShutdownGrace):
		m.logger.Warn().Msg("grace period over, cancelling running jobs")
		cancelRuns()
		<-closed
	}
	m.logger.Info().Msg("subscriptions manager stopped")
}

// Done est fermé quand Run a rendu la main.
func (m *SubscriptionsManager) Done() <-chan struct{} { return m.done }

// dispatch lance les abonnements dus et renvoie le temps avant la prochaine échéance.
func (m *SubscriptionsManager) dispatch(ctx context.Context) time.Duration {
	settings := m.settings()
	now := m.now()

	m.mu.Lock()
	pool := m.pool
	limit := settings.MaxSimultaneousSubscriptions
	if limit <= 0 {
		limit = 1
	}
	if pool != nil {
		pool.SetCount(limit)
	}
	if m.paused || m.editing || settings.PauseSubscriptions {
		m.mu.Unlock()
		return m.opts.MaxSleep
	}

	type cand struct {
		name string
		at   time.Time
	}
	var due []cand
	var earliest time.Time
	for name := range m.subs {
		if m.running[name] || m.cannotRun[name] {
			continue
		}
		at := m.nextWork[name]
		if !at.After(now) {
			due = append(due, cand{name, at})
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].name < due[j].name
		}
		return due[i].at.Before(due[j].at)
	})

	var launch []string
	for _, c := range due {
		if len(m.running) >= limit {
			break
		}
		m.running[c.name] = true
		launch = append(launch, c.name)
	}
	m.mu.Unlock()

	for _, name := range launch {
		m.logger.Debug().Str("subscription", name).Msg("starting subscription")
		if pool == nil {
			continue
		}
		if err := pool.Submit(ctx, name); err != nil {
			m.mu.Lock()
			delete(m.running, name)
			m.mu.Unlock()
		}
	}

	wait := m.opts.MaxSleep
	if !earliest.IsZero() {
		if d := earliest.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (m *SubscriptionsManager) runOne(ctx context.Context, name string) {
	res := m.runner.Run(ctx, name, m.stop)
	if res.Err != nil {
		m.logger.Debug().Err(res.Err).Str("subscription", name).Msg("subscription run ended with error")
	}

	sub, err := m.repo.Get(context.WithoutCancel(ctx), name)
	now := m.now()

	m.mu.Lock()
	delete(m.running, name)
	if err != nil {
		delete(m.subs, name)
		delete(m.nextWork, name)
		delete(m.cannotRun, name)
	} else {
		m.subs[name] = sub
		m.scheduleLocked(sub, now, &res)
	}
	m.mu.Unlock()
	m.Wake()
}

func (m *SubscriptionsManager) scheduleLocked(sub domain.Subscription, now time.Time, last *RunResult) {
	next, ok := NextWorkTime(sub, m.bw, now)
	if !ok {
		m.cannotRun[sub.Name] = true
		delete(m.nextWork, sub.Name)
		return
	}
	delete(m.cannotRun, sub.Name)
	if last != nil {
		if last.DidWork {
			if floor := now.Add(m.opts.DidWorkBuffer); next.Before(floor) {
				next = floor
			}
		} else if !next.After(now) {
			next = now.Add(m.opts.IdleBackoff)
		}
	}
	m.nextWork[sub.Name] = next
}

// Wake réveille la boucle sans bloquer.
func (m *SubscriptionsManager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *SubscriptionsManager) SetPaused(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	m.Wake()
}

// SetEditing suspend les nouveaux lancements pendant une édition.
func (m *SubscriptionsManager) SetEditing(editing bool) {
	m.mu.Lock()
	m.editing = editing
	m.mu.Unlock()
	m.Wake()
}

func (m *SubscriptionsManager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[name]
}

// Reload relit tous les abonnements; ceux en cours garderont le résultat de leur run.
func (m *SubscriptionsManager) Reload(ctx context.Context) error {
	subs, err := m.repo.List(ctx, 0)
	if err != nil {
		return err
	}
	now := m.now()
	m.mu.Lock()
	fresh := make(map[string]domain.Subscription, len(subs))
	for _, s := range subs {
		fresh[s.Name] = s
	}
	for name := range m.subs {
		if _, ok := fresh[name]; !ok && !m.running[name] {
			delete(m.nextWork, name)
			delete(m.cannotRun, name)
		}
	}
	m.subs = fresh
	for _, s := range subs {
		if m.running[s.Name] {
			continue
		}
		m.scheduleLocked(s, now, nil)
	}
	m.mu.Unlock()
	m.Wake()
	return nil
}

// Refresh relit un seul abonnement après une modification.
func (m *SubscriptionsManager) Refresh(ctx context.Context, name string) {
	sub, err := m.repo.Get(ctx, name)
	now := m.now()
	m.mu.Lock()
	switch {
	case err != nil:
		delete(m.subs, name)
		delete(m.nextWork, name)
		delete(m.cannotRun, name)
	case m.running[name]:
		m.subs[name] = sub
	default:
		m.subs[name] = sub
		m.scheduleLocked(sub, now, nil)
	}
	m.mu.Unlock()
	m.Wake()
}

func (m *SubscriptionsManager) Status() ManagerStatus {
	settings := m.settings()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := ManagerStatus{
		Paused:          m.paused || settings.PauseSubscriptions,
		Editing:         m.editing,
		MaxSimultaneous: settings.MaxSimultaneousSubscriptions,
		Running:         len(m.running),
	}
	for name := range m.subs {
		st.Subscriptions = append(st.Subscriptions, ManagerEntry{
			Name:      name,
			Running:   m.running[name],
			CannotRun: m.cannotRun[name],
			NextWork:  m.nextWork[name],
		})
	}
	sort.Slice(st.Subscriptions, func(i, j int) bool { return st.Subscriptions[i].Name < st.Subscriptions[j].Name })
	return st
}
