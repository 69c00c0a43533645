package bandwidth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(cfg Config) (*Manager, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := New(cfg)
	m.now = c.now
	return m, c
}

func TestTryToStartRequest_NeverExceedsRule(t *testing.T) {
	m, clk := newTestManager(Config{
		Defaults: map[domain.ContextKind][]Rule{
			domain.ContextGlobal: {{Kind: RuleRequests, Window: time.Second, Max: 3}},
		},
	})
	contexts := domain.ContextsForURL("https://img.example.com/a.jpg")

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryToStartRequest(contexts) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 3, admitted.Load())

	clk.advance(time.Second)
	assert.True(t, m.TryToStartRequest(contexts), "window should have rolled over")
}

func TestTryToStartRequest_AllOrNothing(t *testing.T) {
	m, clk := newTestManager(Config{
		Defaults: map[domain.ContextKind][]Rule{
			domain.ContextGlobal: {{Kind: RuleRequests, Window: time.Minute, Max: 100}},
		},
		RequestRates: map[string]RateSpec{"example.com": {PerSecond: 1, Burst: 1}},
	})
	a := []domain.NetworkContext{domain.GlobalContext(), domain.DomainContext("example.com")}
	b := []domain.NetworkContext{domain.GlobalContext(), domain.DomainContext("other.org")}

	require.True(t, m.TryToStartRequest(a))
	for range 5 {
		require.False(t, m.TryToStartRequest(a), "domain limiter should refuse")
	}
	require.True(t, m.TryToStartRequest(b))

	var global Usage
	for _, u := range m.Snapshot() {
		if u.Context == "global" {
			global = u
		}
	}
	assert.EqualValues(t, 2, global.Requests, "refused requests must not be charged to the global context")

	clk.advance(time.Second)
	assert.True(t, m.TryToStartRequest(a))
}

func TestCanDoWork_DataThresholdAndEstimate(t *testing.T) {
	m, clk := newTestManager(Config{
		Overrides: map[string][]Rule{
			"domain:example.com": {{Kind: RuleData, Window: 10 * time.Second, Max: 1000}},
		},
	})
	contexts := []domain.NetworkContext{domain.GlobalContext(), domain.DomainContext("example.com")}

	m.ReportDataUsed(contexts, 900)
	assert.False(t, m.CanDoWork(contexts, 200))
	assert.True(t, m.CanDoWork(contexts, 100))

	wait, _ := m.GetWaitingEstimateAndContext(contexts)
	assert.Zero(t, wait)

	m.ReportDataUsed(contexts, 200)
	wait, nc := m.GetWaitingEstimateAndContext(contexts)
	assert.Equal(t, 10*time.Second, wait)
	assert.Equal(t, domain.DomainContext("example.com"), nc)

	clk.advance(4 * time.Second)
	wait, _ = m.GetWaitingEstimateAndContext(contexts)
	assert.Equal(t, 6*time.Second, wait)

	clk.advance(6 * time.Second)
	assert.True(t, m.CanDoWork(contexts, 1000))
}

func TestCanDoWork_RuleSmallerThanThreshold(t *testing.T) {
	m, clk := newTestManager(Config{
		Defaults: map[domain.ContextKind][]Rule{
			domain.ContextGlobal: {{Kind: RuleData, Window: time.Second, Max: 32 << 10}},
		},
	})
	contexts := []domain.NetworkContext{domain.GlobalContext()}
	const chunk = 64 << 10

	assert.True(t, m.CanDoWork(contexts, chunk), "empty window must admit an oversized threshold")

	m.ReportDataUsed(contexts, chunk)
	assert.False(t, m.CanDoWork(contexts, chunk))
	assert.False(t, m.CanDoWork(contexts, 1))
	wait, _ := m.GetWaitingEstimateAndContext(contexts)
	assert.Equal(t, time.Second, wait)

	clk.advance(wait)
	assert.True(t, m.CanDoWork(contexts, chunk))
	assert.True(t, m.CanDoWork(contexts, 1))

	m.ReportDataUsed(contexts, 10)
	assert.True(t, m.CanDoWork(contexts, 1))
	wait, _ = m.GetWaitingEstimateAndContext(contexts)
	assert.Zero(t, wait)
}

func TestEstimate_RateLimiter(t *testing.T) {
	m, _ := newTestManager(Config{
		RequestRates: map[string]RateSpec{"": {PerSecond: 2, Burst: 1}},
	})
	contexts := []domain.NetworkContext{domain.DomainContext("example.com")}
	require.True(t, m.TryToStartRequest(contexts))
	wait, nc := m.GetWaitingEstimateAndContext(contexts)
	assert.Equal(t, 500*time.Millisecond, wait)
	assert.Equal(t, contexts[0], nc)
}

func TestPause(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	contexts := domain.ContextsForURL("https://example.com/")
	m.SetPaused(true)
	assert.False(t, m.CanDoWork(contexts, 0))
	assert.False(t, m.TryToStartRequest(contexts))
	_, nc := m.GetWaitingEstimateAndContext(contexts)
	assert.Equal(t, domain.GlobalContext(), nc)

	m.SetPaused(false)
	assert.True(t, m.TryToStartRequest(contexts))
}

func TestSetConfig_KeepsUsage(t *testing.T) {
	m, _ := newTestManager(Config{})
	contexts := []domain.NetworkContext{domain.GlobalContext()}
	for range 3 {
		require.True(t, m.TryToStartRequest(contexts))
	}
	m.SetConfig(Config{Defaults: map[domain.ContextKind][]Rule{
		domain.ContextGlobal: {{Kind: RuleRequests, Window: time.Second, Max: 3}},
	}})
	assert.False(t, m.TryToStartRequest(contexts))
}
