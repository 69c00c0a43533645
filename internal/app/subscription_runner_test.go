package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

type galleryServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	listing  []string
	pageSize int
	hits     map[int]int
	missing  bool

	block     string
	startOnce sync.Once
	started   chan struct{}
}

func newGalleryServer(t *testing.T, pageSize int) *galleryServer {
	t.Helper()
	gs := &galleryServer{pageSize: pageSize, hits: map[int]int{}, started: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/gallery", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		gs.mu.Lock()
		gs.hits[page]++
		from := (page - 1) * gs.pageSize
		var lines []string
		for i := from; i < from+gs.pageSize && i < len(gs.listing); i++ {
			lines = append(lines, "/file/"+gs.listing[i])
		}
		gs.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Join(lines, "\n")))
	})
	mux.HandleFunc("/file/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/file/")
		gs.mu.Lock()
		missing, block := gs.missing, gs.block
		gs.mu.Unlock()
		if missing {
			http.NotFound(w, r)
			return
		}
		body := []byte("content-" + id)
		if id == block {
			w.Header().Set("Content-Length", "100000")
			_, _ = w.Write(body)
			w.(http.Flusher).Flush()
			gs.startOnce.Do(func() { close(gs.started) })
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	})
	gs.srv = httptest.NewServer(mux)
	t.Cleanup(gs.srv.Close)
	return gs
}

func (gs *galleryServer) setListing(ids []string) {
	gs.mu.Lock()
	gs.listing = append([]string(nil), ids...)
	gs.mu.Unlock()
}

func (gs *galleryServer) pageHits(page int) int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.hits[page]
}

func fileIDs(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i+1)
	}
	return out
}

func testSettings() domain.Settings {
	s := domain.DefaultSettings()
	// 0: les attentes rapides de fastOpts() restent en place.
	s.ConnectionErrorWaitSeconds = 0
	s.ServersideBandwidthWaitSeconds = 0
	return s
}

type runnerFixture struct {
	runner   *SubscriptionRunner
	repo     *memRepo
	importer *fakeImporter
	bus      *memBus
	logins   *fakeLogins
	domains  *fakeDomains
	settings domain.Settings
}

func newRunnerFixture(t *testing.T, base string) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		repo:     newMemRepo(),
		importer: &fakeImporter{},
		bus:      &memBus{},
		logins:   &fakeLogins{},
		domains:  &fakeDomains{},
		settings: testSettings(),
	}
	opts := DefaultRunnerOptions()
	opts.Job = fastOpts()
	f.runner = NewSubscriptionRunner(RunnerDeps{
		Repo:       f.repo,
		Net:        testEnv(&fakeBandwidth{}, f.domains),
		Logins:     f.logins,
		Generators: genRegistry{"test": pageGen{base: base}},
		Parser:     lineParser{},
		Importer:   f.importer,
		Bus:        f.bus,
		Settings:   func() domain.Settings { return f.settings },
		Logger:     zerolog.Nop(),
	}, opts)
	return f
}

func (f *runnerFixture) createSub(t *testing.T, name string, queries ...string) domain.Subscription {
	t.Helper()
	sub := domain.NewSubscription(name, "test", time.Now().UTC())
	for _, q := range queries {
		if _, err := sub.AddQuery(q); err != nil {
			t.Fatalf("AddQuery: %v", err)
		}
	}
	if _, err := f.repo.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

func (f *runnerFixture) container(t *testing.T, name string) *domain.QueryLogContainer {
	t.Helper()
	sub, err := f.repo.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c, err := f.repo.GetContainer(context.Background(), sub.Queries[0].ContainerName)
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	return c
}

func TestSubscriptionRunner_InitialLimitThenKnownConvergence(t *testing.T) {
	gs := newGalleryServer(t, 10)
	old := fileIDs("f", 30)
	gs.setListing(old)

	f := newRunnerFixture(t, gs.srv.URL)
	sub := f.createSub(t, "cats", "cats")
	sub.InitialFileLimit = 5
	if _, err := f.repo.Update(context.Background(), sub); err != nil {
		t.Fatalf("Update: %v", err)
	}

	res := f.runner.Run(context.Background(), "cats", nil)
	if res.Err != nil {
		t.Fatalf("first run: %v", res.Err)
	}
	if res.FilesDiscovered != 5 {
		t.Fatalf("want 5 discovered, got %d", res.FilesDiscovered)
	}
	if gs.pageHits(1) != 1 || gs.pageHits(2) != 0 {
		t.Fatalf("only the first page should be fetched: p1=%d p2=%d", gs.pageHits(1), gs.pageHits(2))
	}
	if !f.bus.Has("subscription.file_limit_hit") {
		t.Fatalf("file limit event not published")
	}

	imported := f.importer.Imported()
	if len(imported) != 5 {
		t.Fatalf("want 5 imports, got %d", len(imported))
	}
	// Le plus ancien d'abord.
	if !strings.HasSuffix(imported[0], "/file/f05") || !strings.HasSuffix(imported[4], "/file/f01") {
		t.Fatalf("unexpected import order: %v", imported)
	}

	got, _ := f.repo.Get(context.Background(), "cats")
	h := got.Queries[0]
	if h.LastCheckTime.IsZero() || h.CheckNow || h.HasFileWork || h.IsDead() {
		t.Fatalf("header not updated after sync: %+v", h)
	}
	if !f.bus.Has("subscription.files") {
		t.Fatalf("presentation batch not published")
	}

	// Nouveaux uploads en tête de liste.
	gs.setListing(append([]string{"n1", "n2", "n3"}, old...))
	got.Queries[0].CheckNow = true
	if _, err := f.repo.Update(context.Background(), got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	res = f.runner.Run(context.Background(), "cats", nil)
	if res.Err != nil {
		t.Fatalf("second run: %v", res.Err)
	}
	if res.FilesDiscovered != 3 {
		t.Fatalf("want 3 new urls, got %d", res.FilesDiscovered)
	}
	if gs.pageHits(1) != 2 || gs.pageHits(2) != 0 {
		t.Fatalf("five known urls in a row must stop pagination: p1=%d p2=%d", gs.pageHits(1), gs.pageHits(2))
	}

	c := f.container(t, "cats")
	if c.FileSeeds.Len() != 8 {
		t.Fatalf("want 8 seeds in cache, got %d", c.FileSeeds.Len())
	}
	if n := c.FileSeeds.Counts()[domain.SeedSuccess]; n != 8 {
		t.Fatalf("want 8 successes, got %d", n)
	}
	if len(f.importer.Imported()) != 8 {
		t.Fatalf("known files must not be downloaded again: %v", f.importer.Imported())
	}
}

func TestSubscriptionRunner_FollowsPagesUntilEmpty(t *testing.T) {
	gs := newGalleryServer(t, 10)
	gs.setListing(fileIDs("f", 25))

	f := newRunnerFixture(t, gs.srv.URL)
	f.createSub(t, "dogs", "dogs")

	res := f.runner.Run(context.Background(), "dogs", nil)
	if res.Err != nil {
		t.Fatalf("run: %v", res.Err)
	}
	if res.FilesDiscovered != 25 {
		t.Fatalf("want 25, got %d", res.FilesDiscovered)
	}
	// page 4 est vide: arrêt sur zéro nouvelle URL.
	for p := 1; p <= 4; p++ {
		if gs.pageHits(p) != 1 {
			t.Fatalf("page %d fetched %d times", p, gs.pageHits(p))
		}
	}
	if gs.pageHits(5) != 0 {
		t.Fatalf("page 5 must not be requested")
	}
}

func TestSubscriptionRunner_SinglePageKnownThreshold(t *testing.T) {
	gs := newGalleryServer(t, 1000)
	old := fileIDs("f", 150)
	gs.setListing(old)

	f := newRunnerFixture(t, gs.srv.URL)
	f.runner.deps.Generators = genRegistry{"test": singlePageGen{pageGen{base: gs.srv.URL}}}
	sub := f.createSub(t, "birds", "birds")
	sub.InitialFileLimit = 1000
	sub.PeriodicFileLimit = 1000
	if _, err := f.repo.Update(context.Background(), sub); err != nil {
		t.Fatalf("Update: %v", err)
	}

	res := f.runner.Run(context.Background(), "birds", nil)
	if res.Err != nil || res.FilesDiscovered != 150 {
		t.Fatalf("first run: discovered=%d err=%v", res.FilesDiscovered, res.Err)
	}

	// 50 connus puis n2: la série repart de zéro. 100 connus ensuite: arrêt avant n3.
	listing := []string{"n1"}
	listing = append(listing, old[:50]...)
	listing = append(listing, "n2")
	listing = append(listing, old[50:]...)
	listing = append(listing, "n3")
	gs.setListing(listing)

	got, _ := f.repo.Get(context.Background(), "birds")
	got.Queries[0].CheckNow = true
	if _, err := f.repo.Update(context.Background(), got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	res = f.runner.Run(context.Background(), "birds", nil)
	if res.Err != nil {
		t.Fatalf("second run: %v", res.Err)
	}
	if res.FilesDiscovered != 2 {
		t.Fatalf("want n1 and n2 only, got %d", res.FilesDiscovered)
	}
	c := f.container(t, "birds")
	if !c.FileSeeds.Has(gs.srv.URL+"/file/n2") || c.FileSeeds.Has(gs.srv.URL+"/file/n3") {
		t.Fatalf("unexpected seeds after single-page stop")
	}
	if gs.pageHits(1) != 2 || gs.pageHits(2) != 0 {
		t.Fatalf("single page must not paginate: p1=%d p2=%d", gs.pageHits(1), gs.pageHits(2))
	}
}

func TestSubscriptionRunner_EmptyFirstSyncMarksQueryDead(t *testing.T) {
	gs := newGalleryServer(t, 10)
	f := newRunnerFixture(t, gs.srv.URL)
	f.createSub(t, "ghost", "nothing here")

	res := f.runner.Run(context.Background(), "ghost", nil)
	if res.Err != nil {
		t.Fatalf("run: %v", res.Err)
	}
	got, _ := f.repo.Get(context.Background(), "ghost")
	if !got.Queries[0].IsDead() {
		t.Fatalf("query should be dead after an empty first sync")
	}
	if _, ok := NextWorkTime(got, nil, time.Now()); ok {
		t.Fatalf("a subscription with only dead queries has no work")
	}
}

func TestSubscriptionRunner_CancelLeavesSeedUnknown(t *testing.T) {
	gs := newGalleryServer(t, 10)
	gs.setListing([]string{"a", "b"})
	gs.block = "b"

	f := newRunnerFixture(t, gs.srv.URL)
	f.createSub(t, "slow", "slow")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RunResult, 1)
	go func() { done <- f.runner.Run(ctx, "slow", nil) }()

	select {
	case <-gs.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("download never started")
	}
	cancel()

	var res RunResult
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if res.Err != nil {
		t.Fatalf("cancel is not an error: %v", res.Err)
	}
	if len(f.importer.Imported()) != 0 {
		t.Fatalf("nothing should be imported: %v", f.importer.Imported())
	}

	c := f.container(t, "slow")
	b, ok := c.FileSeeds.Get(gs.srv.URL + "/file/b")
	if !ok {
		t.Fatalf("seed b missing")
	}
	if b.Status != domain.SeedUnknown {
		t.Fatalf("cancelled seed must stay unknown, got %s", b.Status)
	}
	got, _ := f.repo.Get(context.Background(), "slow")
	if got.Paused || got.IsDelayed(time.Now()) {
		t.Fatalf("cancel must not pause or delay: %+v", got)
	}
	if !got.Queries[0].HasFileWork {
		t.Fatalf("query should still report file work")
	}
}

func TestSubscriptionRunner_StopRequestFinishesCurrentSeed(t *testing.T) {
	gs := newGalleryServer(t, 10)
	gs.setListing(fileIDs("f", 3))

	f := newRunnerFixture(t, gs.srv.URL)
	f.createSub(t, "stop", "stop")

	stop := make(chan struct{})
	close(stop)
	res := f.runner.Run(context.Background(), "stop", stop)
	if res.Err != nil || res.QueriesSynced != 0 || res.FilesProcessed != 0 {
		t.Fatalf("stopped run should do nothing: %+v", res)
	}
	got, _ := f.repo.Get(context.Background(), "stop")
	if !got.Queries[0].LastCheckTime.IsZero() {
		t.Fatalf("a stopped sync must not count as a check")
	}
}

func TestSubscriptionRunner_LoginFailureDelaysSubscription(t *testing.T) {
	gs := newGalleryServer(t, 10)
	gs.setListing(fileIDs("f", 3))

	f := newRunnerFixture(t, gs.srv.URL)
	f.logins.fail = fmt.Errorf("session expired")
	f.createSub(t, "private", "private")

	before := time.Now().UTC()
	res := f.runner.Run(context.Background(), "private", nil)
	if res.Err == nil {
		t.Fatalf("want login error")
	}
	if gs.pageHits(1) != 0 {
		t.Fatalf("no request may be sent before the login gate")
	}
	got, _ := f.repo.Get(context.Background(), "private")
	if got.Paused {
		t.Fatalf("login failure delays, it does not pause")
	}
	if got.NoWorkUntil.Before(before.Add(f.settings.LoginRetryDelay() - time.Minute)) {
		t.Fatalf("delay too short: %s", got.NoWorkUntil)
	}
	if !f.bus.Has("subscription.delayed") {
		t.Fatalf("delay event not published")
	}
	next, ok := NextWorkTime(got, nil, time.Now())
	if !ok || !next.Equal(got.NoWorkUntil) {
		t.Fatalf("next work should be the delay deadline, got %s %v", next, ok)
	}
}

func TestSubscriptionRunner_NetworkErrorDelaysQuietly(t *testing.T) {
	gs := newGalleryServer(t, 10)
	base := gs.srv.URL
	gs.srv.Close()

	f := newRunnerFixture(t, base)
	f.createSub(t, "down", "down")

	res := f.runner.Run(context.Background(), "down", nil)
	if !IsNetworkClass(res.Err) {
		t.Fatalf("want a network-class error, got %v", res.Err)
	}
	got, _ := f.repo.Get(context.Background(), "down")
	if got.Paused || !got.IsDelayed(time.Now()) {
		t.Fatalf("network errors delay the subscription: %+v", got)
	}
	if f.bus.Has("subscription.error") {
		t.Fatalf("network errors are not surfaced as subscription errors")
	}
	if f.domains.errs == 0 {
		t.Fatalf("domain manager should hear about connection errors")
	}
	c := f.container(t, "down")
	if _, ok := c.GallerySeeds.Next(domain.SeedUnknown); !ok {
		t.Fatalf("gallery seed must stay queued")
	}
}

func TestSubscriptionRunner_ConsecutiveErrorsAbortRun(t *testing.T) {
	gs := newGalleryServer(t, 10)
	gs.setListing(fileIDs("f", 8))

	f := newRunnerFixture(t, gs.srv.URL)
	f.settings.ConsecutiveErrorThreshold = 3
	f.createSub(t, "broken", "broken")
	gs.mu.Lock()
	gs.missing = true
	gs.mu.Unlock()

	res := f.runner.Run(context.Background(), "broken", nil)
	var ce *CodedError
	if !errors.As(res.Err, &ce) || ce.Code != CodeTooManyErrors {
		t.Fatalf("want too_many_errors, got %v", res.Err)
	}
	c := f.container(t, "broken")
	counts := c.FileSeeds.Counts()
	if counts[domain.SeedError] != 3 || counts[domain.SeedUnknown] != 5 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if !f.bus.Has("subscription.error") {
		t.Fatalf("error event not published")
	}
}

func TestSubscriptionRunner_VetoedFilesAreNotErrors(t *testing.T) {
	gs := newGalleryServer(t, 10)
	gs.setListing([]string{"a", "b"})

	f := newRunnerFixture(t, gs.srv.URL)
	f.importer.veto = map[string]string{gs.srv.URL + "/file/a": "too small"}
	f.createSub(t, "veto", "veto")

	res := f.runner.Run(context.Background(), "veto", nil)
	if res.Err != nil {
		t.Fatalf("run: %v", res.Err)
	}
	c := f.container(t, "veto")
	a, _ := c.FileSeeds.Get(gs.srv.URL + "/file/a")
	if a.Status != domain.SeedVetoed || a.Note != "too small" {
		t.Fatalf("unexpected seed a: %+v", a)
	}
	if c.FileSeeds.Summary() != "1/2 (1 vetoed)" {
		t.Fatalf("summary: %q", c.FileSeeds.Summary())
	}
}

func TestNextWorkTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := domain.NewSubscription("s", "test", now)
	_, _ = sub.AddQuery("a")
	_, _ = sub.AddQuery("b")
	sub.Queries[0].LastCheckTime = now.Add(-time.Hour)
	sub.Queries[0].NextCheckTime = now.Add(2 * time.Hour)
	sub.Queries[1].LastCheckTime = now.Add(-time.Hour)
	sub.Queries[1].NextCheckTime = now.Add(time.Hour)

	next, ok := NextWorkTime(sub, nil, now)
	if !ok || !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("want earliest check time, got %s", next)
	}

	sub.Queries[0].HasFileWork = true
	next, _ = NextWorkTime(sub, &fakeBandwidth{}, now)
	if !next.Equal(now.Add(10 * time.Millisecond)) {
		t.Fatalf("file work should be due after the bandwidth estimate, got %s", next)
	}

	sub.Queries[1].CheckNow = true
	next, _ = NextWorkTime(sub, nil, now)
	if !next.Equal(now) {
		t.Fatalf("check-now is due immediately, got %s", next)
	}

	sub.Delay(time.Hour, "test", now)
	next, _ = NextWorkTime(sub, nil, now)
	if !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("delay wins, got %s", next)
	}

	sub.Paused = true
	if _, ok := NextWorkTime(sub, nil, now); ok {
		t.Fatalf("paused subscription has no work")
	}
}
