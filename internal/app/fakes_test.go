package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

type fakeBandwidth struct {
	mu         sync.Mutex
	denyStarts int
	starts     int
	used       int64
	blockWork  bool
}

func (b *fakeBandwidth) CanDoWork(_ []domain.NetworkContext, _ int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.blockWork
}

func (b *fakeBandwidth) TryToStartRequest(_ []domain.NetworkContext) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.denyStarts > 0 {
		b.denyStarts--
		return false
	}
	b.starts++
	return true
}

func (b *fakeBandwidth) ReportDataUsed(_ []domain.NetworkContext, n int64) {
	b.mu.Lock()
	b.used += n
	b.mu.Unlock()
}

func (b *fakeBandwidth) GetWaitingEstimateAndContext(_ []domain.NetworkContext) (time.Duration, domain.NetworkContext) {
	return 10 * time.Millisecond, domain.GlobalContext()
}

func (b *fakeBandwidth) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

type fakeDomains struct {
	mu     sync.Mutex
	errs   int
	broken map[string]bool
}

func (d *fakeDomains) DomainOK(rawURL string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.broken[domain.DomainOf(rawURL)]
}

func (d *fakeDomains) ReportNetworkError(string, error) {
	d.mu.Lock()
	d.errs++
	d.mu.Unlock()
}

func (d *fakeDomains) GetHeaders([]domain.NetworkContext) http.Header {
	return http.Header{"User-Agent": []string{"gsd-test"}}
}

func (d *fakeDomains) GetReferralURL(_ string, fallback string) string { return fallback }

type fakeLogins struct {
	mu    sync.Mutex
	fail  error
	calls int
}

func (l *fakeLogins) NeedsLogin(domain.NetworkContext) bool { return true }

func (l *fakeLogins) CheckCanLogin(context.Context, domain.NetworkContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.fail
}

type fakeImporter struct {
	mu       sync.Mutex
	imported []string
	veto     map[string]string
}

func (f *fakeImporter) Import(_ context.Context, seed *domain.FileSeed, _ domain.ImportOptions, r io.Reader) (ports.ImportResult, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return ports.ImportResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if note, ok := f.veto[seed.URL]; ok {
		return ports.ImportResult{Status: domain.SeedVetoed, Note: note, Size: int64(len(b))}, nil
	}
	f.imported = append(f.imported, seed.URL)
	sum := sha256.Sum256(b)
	return ports.ImportResult{Status: domain.SeedSuccess, Hash: hex.EncodeToString(sum[:]), Size: int64(len(b))}, nil
}

func (f *fakeImporter) Imported() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.imported...)
}

type memBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *memBus) Publish(topic string, _ []byte) {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
}

func (b *memBus) Subscribe() (<-chan ports.Event, func()) {
	ch := make(chan ports.Event)
	return ch, func() {}
}

func (b *memBus) Has(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func testEnv(bw ports.BandwidthManager, domains ports.DomainManager) *NetworkEnv {
	return &NetworkEnv{
		Client:      &http.Client{Timeout: 5 * time.Second},
		Bandwidth:   bw,
		Domains:     domains,
		Connections: NewDynamicLimiter(4),
		Registry:    NewJobRegistry(nil, 10),
		Logger:      zerolog.Nop(),
	}
}

func fastOpts() JobOptions {
	return JobOptions{
		ConnectionAttempts:      2,
		ServerAttempts:          3,
		ConnectionErrorWait:     5 * time.Millisecond,
		ServersideBandwidthWait: 5 * time.Millisecond,
		InfrastructureWait:      5 * time.Millisecond,
		MaxBackoff:              50 * time.Millisecond,
		BandwidthRecheck:        20 * time.Millisecond,
		ChunkSize:               128,
	}
}

type memRepo struct {
	mu         sync.Mutex
	subs       map[string]domain.Subscription
	containers map[string]*domain.QueryLogContainer
}

func newMemRepo() *memRepo {
	return &memRepo{subs: map[string]domain.Subscription{}, containers: map[string]*domain.QueryLogContainer{}}
}

func (r *memRepo) Create(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.Name]; ok {
		return domain.Subscription{}, ErrConflict
	}
	r.subs[sub.Name] = sub.Clone()
	return sub, nil
}

func (r *memRepo) Get(_ context.Context, name string) (domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[name]
	if !ok {
		return domain.Subscription{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) List(_ context.Context, _ int) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memRepo) Update(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.Name]; !ok {
		return domain.Subscription{}, ErrNotFound
	}
	r.subs[sub.Name] = sub.Clone()
	return sub, nil
}

func (r *memRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[name]
	if !ok {
		return ErrNotFound
	}
	for _, c := range s.ContainerNames() {
		delete(r.containers, c)
	}
	delete(r.subs, name)
	return nil
}

func (r *memRepo) GetContainer(_ context.Context, name string) (*domain.QueryLogContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *memRepo) PutContainer(_ context.Context, c *domain.QueryLogContainer) error {
	r.mu.Lock()
	r.containers[c.Name] = c
	r.mu.Unlock()
	return nil
}

func (r *memRepo) DeleteContainer(_ context.Context, name string) error {
	r.mu.Lock()
	delete(r.containers, name)
	r.mu.Unlock()
	return nil
}

// pageGen pagine avec ?page=N sur base/gallery.
type pageGen struct{ base string }

func (g pageGen) Name() string { return "test" }

func (g pageGen) GalleryURLs(query string) ([]string, error) {
	return []string{g.base + "/gallery?q=" + url.QueryEscape(query) + "&page=1"}, nil
}

func (g pageGen) NextPageURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	n, _ := strconv.Atoi(q.Get("page"))
	q.Set("page", strconv.Itoa(n+1))
	u.RawQuery = q.Encode()
	return u.String()
}

// singlePageGen: une seule page, pas de pagination.
type singlePageGen struct{ pageGen }

func (singlePageGen) NextPageURL(string) string { return "" }

type genRegistry map[string]ports.GalleryURLGenerator

func (r genRegistry) Get(name string) (ports.GalleryURLGenerator, bool) {
	g, ok := r[name]
	return g, ok
}

func (r genRegistry) Names() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// lineParser: une URL de fichier par ligne, relative à la page.
type lineParser struct{}

func (lineParser) Parse(pageURL, _ string, body []byte) (ports.GalleryPage, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ports.GalleryPage{}, err
	}
	var page ports.GalleryPage
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			continue
		}
		page.Files = append(page.Files, ports.DiscoveredFile{URL: base.ResolveReference(ref).String()})
	}
	return page, nil
}
