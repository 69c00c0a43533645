package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// scriptedRunner marque la query comme vérifiée et compte la concurrence.
type scriptedRunner struct {
	repo *memRepo
	hold time.Duration

	mu       sync.Mutex
	runs     map[string]int
	active   int
	maxSeen  int
	stopSeen bool
}

func (r *scriptedRunner) Run(ctx context.Context, name string, stop <-chan struct{}) RunResult {
	r.mu.Lock()
	if r.runs == nil {
		r.runs = map[string]int{}
	}
	r.runs[name]++
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.mu.Unlock()

	select {
	case <-time.After(r.hold):
	case <-stop:
		r.mu.Lock()
		r.stopSeen = true
		r.mu.Unlock()
	}

	sub, _ := r.repo.Get(ctx, name)
	now := time.Now().UTC()
	for i := range sub.Queries {
		sub.Queries[i].CheckNow = false
		sub.Queries[i].LastCheckTime = now
		sub.Queries[i].NextCheckTime = now.Add(time.Hour)
	}
	_, _ = r.repo.Update(ctx, sub)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return RunResult{Name: name, DidWork: true}
}

func (r *scriptedRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

func (r *scriptedRunner) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSeen
}

func seedSubs(t *testing.T, repo *memRepo, names ...string) {
	t.Helper()
	for _, n := range names {
		sub := domain.NewSubscription(n, "test", time.Now().UTC())
		_, _ = sub.AddQuery(n)
		if _, err := repo.Create(context.Background(), sub); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestManager(repo *memRepo, runner subscriptionRunner, settings func() domain.Settings) *SubscriptionsManager {
	return NewSubscriptionsManager(ManagerDeps{
		Repo:     repo,
		Runner:   runner,
		Settings: settings,
		Logger:   zerolog.Nop(),
	}, ManagerOptions{DidWorkBuffer: 10 * time.Millisecond, ShutdownGrace: time.Second})
}

func TestSubscriptionsManager_RespectsMaxSimultaneous(t *testing.T) {
	repo := newMemRepo()
	seedSubs(t, repo, "a", "b", "c", "d")
	runner := &scriptedRunner{repo: repo, hold: 30 * time.Millisecond}

	settings := domain.DefaultSettings()
	settings.MaxSimultaneousSubscriptions = 2
	m := newTestManager(repo, runner, func() domain.Settings { return settings })

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()

	waitFor(t, "all subscriptions to run", func() bool {
		return runner.count("a") == 1 && runner.count("b") == 1 && runner.count("c") == 1 && runner.count("d") == 1
	})
	cancel()
	<-m.Done()

	if p := runner.peak(); p > 2 {
		t.Fatalf("ran %d at once, limit is 2", p)
	}
	st := m.Status()
	if st.Running != 0 || len(st.Subscriptions) != 4 {
		t.Fatalf("unexpected status: %+v", st)
	}
	for _, e := range st.Subscriptions {
		if e.NextWork.IsZero() || e.CannotRun {
			t.Fatalf("each subscription should be scheduled for its next check: %+v", e)
		}
	}
}

func TestSubscriptionsManager_GlobalPauseAndWake(t *testing.T) {
	repo := newMemRepo()
	seedSubs(t, repo, "a")
	runner := &scriptedRunner{repo: repo}

	var mu sync.Mutex
	settings := domain.DefaultSettings()
	settings.PauseSubscriptions = true
	get := func() domain.Settings {
		mu.Lock()
		defer mu.Unlock()
		return settings
	}
	m := newTestManager(repo, runner, get)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-m.Done()
	}()
	go func() { _ = m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if runner.count("a") != 0 {
		t.Fatalf("paused manager must not dispatch")
	}

	mu.Lock()
	settings.PauseSubscriptions = false
	mu.Unlock()
	m.Wake()
	waitFor(t, "dispatch after unpause", func() bool { return runner.count("a") == 1 })
}

func TestSubscriptionsManager_EditingBlocksDispatch(t *testing.T) {
	repo := newMemRepo()
	seedSubs(t, repo, "a")
	runner := &scriptedRunner{repo: repo}
	m := newTestManager(repo, runner, domain.DefaultSettings)
	m.SetEditing(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-m.Done()
	}()
	go func() { _ = m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if runner.count("a") != 0 {
		t.Fatalf("no dispatch while editing")
	}
	m.SetEditing(false)
	waitFor(t, "dispatch after editing", func() bool { return runner.count("a") == 1 })
}

func TestSubscriptionsManager_DeadSubscriptionCannotRun(t *testing.T) {
	repo := newMemRepo()
	sub := domain.NewSubscription("dead", "test", time.Now().UTC())
	_, _ = sub.AddQuery("q")
	sub.Queries[0].CheckerStatus = domain.CheckerDead
	sub.Queries[0].LastCheckTime = time.Now().UTC()
	if _, err := repo.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	runner := &scriptedRunner{repo: repo}
	m := newTestManager(repo, runner, domain.DefaultSettings)

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	st := m.Status()
	if len(st.Subscriptions) != 1 || !st.Subscriptions[0].CannotRun {
		t.Fatalf("dead subscription should be marked cannot-run: %+v", st)
	}

	// check-now via le service la réveille.
	svc := NewSubscriptionService(repo, nil, nil)
	svc.AttachManager(m)
	if _, err := svc.CheckNow(context.Background(), "dead", ""); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	st = m.Status()
	if st.Subscriptions[0].CannotRun || st.Subscriptions[0].NextWork.After(time.Now()) {
		t.Fatalf("check-now should make it due: %+v", st.Subscriptions[0])
	}
}

func TestSubscriptionsManager_ShutdownSignalsStop(t *testing.T) {
	repo := newMemRepo()
	seedSubs(t, repo, "long")
	runner := &scriptedRunner{repo: repo, hold: time.Minute}
	m := newTestManager(repo, runner, domain.DefaultSettings)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "run start", func() bool { return m.IsRunning("long") })

	cancel()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("manager did not drain")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if !runner.stopSeen {
		t.Fatalf("running subscription should see the stop signal")
	}
}

func TestSubscriptionService_RefusesEditWhileRunning(t *testing.T) {
	repo := newMemRepo()
	seedSubs(t, repo, "busy")
	runner := &scriptedRunner{repo: repo, hold: time.Minute}
	m := newTestManager(repo, runner, domain.DefaultSettings)
	svc := NewSubscriptionService(repo, nil, nil)
	svc.AttachManager(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-m.Done()
	}()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "run start", func() bool { return m.IsRunning("busy") })

	if _, err := svc.SetPaused(context.Background(), "busy", true); !isBusy(err) {
		t.Fatalf("want ErrBusy, got %v", err)
	}
	if err := svc.Delete(context.Background(), "busy"); !isBusy(err) {
		t.Fatalf("want ErrBusy on delete, got %v", err)
	}
}

func isBusy(err error) bool {
	return err != nil && errors.Is(err, ErrBusy)
}
