package records

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUpgradeSubscriptionV1_DeadBecomesStatus(t *testing.T) {
	in := SubscriptionV1{
		Name:      "cats",
		Generator: "booru",
		Queries: []QueryV1{
			{QueryText: "alive", LastCheck: t0},
			{QueryText: "gone", Dead: true},
		},
	}
	out := UpgradeSubscriptionV1(in)

	require.Len(t, out.Queries, 2)
	require.Equal(t, "ok", out.Queries[0].CheckerStatus)
	require.Equal(t, "dead", out.Queries[1].CheckerStatus)
	require.Equal(t, t0, out.Queries[0].LastCheck)
	require.True(t, out.NoWorkUntil.IsZero())
}

func TestUpgradeSubscriptionV2_NamesContainers(t *testing.T) {
	in := SubscriptionV2{
		Name:    "cats",
		Queries: []QueryV2{{QueryText: "a", CheckerStatus: "ok"}, {QueryText: "b", CheckerStatus: "ok"}},
	}
	out := UpgradeSubscriptionV2(in)

	require.Equal(t, LegacyContainerName("cats", "a"), out.Queries[0].ContainerName)
	require.NotEqual(t, out.Queries[0].ContainerName, out.Queries[1].ContainerName)
	require.True(t, out.Queries[0].HasFileWork)
	// Pure: deux appels donnent le même résultat.
	require.Equal(t, out, UpgradeSubscriptionV2(in))
}

func TestDecodeSubscription_FromV1Envelope(t *testing.T) {
	raw := []byte(`{"version":1,"data":{"name":"cats","generator":"booru","paused":true,
		"checker":{"intended_files_per_check":3,"never_faster_than":3600,"never_slower_than":86400,"death_files":1,"death_period":604800},
		"queries":[{"query_text":"x","dead":true}]}}`)

	require.True(t, NeedsUpgrade(raw, SubscriptionVersion))
	sub, err := DecodeSubscription(raw)
	require.NoError(t, err)
	require.Equal(t, "cats", sub.Name)
	require.Equal(t, "booru", sub.GeneratorKey)
	require.True(t, sub.Paused)
	require.Equal(t, time.Hour, sub.Checker.NeverFasterThan)
	require.Equal(t, 7*24*time.Hour, sub.Checker.Death.Period)
	require.Len(t, sub.Queries, 1)
	require.True(t, sub.Queries[0].IsDead())
	require.Equal(t, LegacyContainerName("cats", "x"), sub.Queries[0].ContainerName)
}

func TestDecodeSubscription_RejectsFutureVersion(t *testing.T) {
	_, err := DecodeSubscription([]byte(`{"version":9,"data":{}}`))
	require.Error(t, err)
}

func TestSubscription_RoundTripCurrent(t *testing.T) {
	sub := domain.NewSubscription("cats", "booru", t0)
	sub.InitialFileLimit = 5
	sub.Import.AllowedMIMEs = []string{"image/"}
	_, _ = sub.AddQuery("blue")
	sub.Queries[0].CheckNow = true
	sub.Delay(time.Hour, "network error", t0)

	raw, err := EncodeSubscription(sub)
	require.NoError(t, err)
	require.False(t, NeedsUpgrade(raw, SubscriptionVersion))

	got, err := DecodeSubscription(raw)
	require.NoError(t, err)
	require.Equal(t, sub.Checker, got.Checker)
	require.Equal(t, sub.Queries[0].ContainerName, got.Queries[0].ContainerName)
	require.True(t, got.Queries[0].CheckNow)
	require.Equal(t, "network error", got.NoWorkUntilReason)
	require.True(t, got.NoWorkUntil.Equal(t0.Add(time.Hour)))
}

func TestUpgradeContainerV1_SplitsKeyAndKind(t *testing.T) {
	in := ContainerV1{
		Name: "c",
		FileSeeds: []FileSeedV1{
			{URL: "https://ex.com/1.jpg", Status: "success"},
			{Hash: "abcd", Status: "unknown"},
		},
	}
	out := UpgradeContainerV1(in)
	require.Equal(t, "url", out.FileSeeds[0].Kind)
	require.Equal(t, "https://ex.com/1.jpg", out.FileSeeds[0].Key)
	require.Equal(t, "hash", out.FileSeeds[1].Kind)
	require.Equal(t, "abcd", out.FileSeeds[1].Key)
	require.Zero(t, out.Compacted.Successes)
}

func TestDecodeContainer_V1KeepsOrderAndStatus(t *testing.T) {
	v1 := ContainerV1{
		Name:         "c",
		GallerySeeds: []GallerySeedRecord{{URL: "p1", Status: "success", CanGenerateMore: true}},
		FileSeeds: []FileSeedV1{
			{URL: "f1", Status: "success"},
			{URL: "f2", Status: "bogus"},
		},
	}
	data, err := json.Marshal(v1)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{"version": 1, "data": json.RawMessage(data)})
	require.NoError(t, err)

	c, err := DecodeContainer(raw)
	require.NoError(t, err)
	require.Equal(t, 2, c.FileSeeds.Len())
	next, ok := c.FileSeeds.Next(domain.SeedUnknown)
	require.True(t, ok)
	require.Equal(t, "f2", next.Key)
	require.True(t, c.GallerySeeds.Has("p1"))
}

func TestContainer_RoundTripCurrent(t *testing.T) {
	c := domain.NewQueryLogContainer("c")
	c.GallerySeeds.Add(domain.NewGallerySeed("p1", true, t0))
	c.FileSeeds.Add(domain.NewURLFileSeed("f1", "p1", t0, t0), domain.NewURLFileSeed("f2", "p1", t0, t0))
	require.NoError(t, c.FileSeeds.SetResult("f1", domain.SeedSuccess, "", "deadbeef", t0))
	c.FileSeeds.Compact(0, t0.Add(time.Hour))

	raw, err := EncodeContainer(c)
	require.NoError(t, err)
	got, err := DecodeContainer(raw)
	require.NoError(t, err)

	require.Equal(t, 1, got.FileSeeds.Len())
	require.Equal(t, 1, got.FileSeeds.Compacted().Successes)
	s, ok := got.FileSeeds.Get("f2")
	require.True(t, ok)
	require.Equal(t, "p1", s.ReferralURL)
}

func TestDecodeSettings_BareJSONIsV1(t *testing.T) {
	raw := []byte(`{"pauseSubscriptions":true,"maxSimultaneousSubscriptions":3,"defaultInitialFileLimit":0,"networkTimeoutSeconds":45}`)
	require.True(t, NeedsUpgrade(raw, SettingsVersion))

	s, err := DecodeSettings(raw)
	require.NoError(t, err)
	require.True(t, s.PauseSubscriptions)
	require.Equal(t, 3, s.MaxSimultaneousSubscriptions)
	require.Equal(t, 45, s.NetworkTimeoutSeconds)
	require.Zero(t, s.DefaultInitialFileLimit)
	require.Equal(t, domain.QueryOrderAlphabetical, s.QueryOrder)
	require.Equal(t, domain.DefaultSettings().ConsecutiveErrorThreshold, s.ConsecutiveErrorThreshold)
}

func TestSettings_RoundTripCurrent(t *testing.T) {
	in := domain.DefaultSettings()
	in.QueryOrder = domain.QueryOrderRandom
	in.MaxConcurrentConnections = 16

	raw, err := EncodeSettings(in)
	require.NoError(t, err)
	require.False(t, NeedsUpgrade(raw, SettingsVersion))

	var e envelope
	require.NoError(t, json.Unmarshal(raw, &e))
	require.Equal(t, SettingsVersion, e.Version)

	out, err := DecodeSettings(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeSettings_RejectsFutureVersion(t *testing.T) {
	_, err := DecodeSettings([]byte(`{"version":99,"data":{}}`))
	require.Error(t, err)
}
