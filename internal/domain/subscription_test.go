package domain

import (
	"errors"
	"testing"
	"time"
)

func TestContextsForURL(t *testing.T) {
	got := ContextsForURL("https://img3.Example.com:8443/a.jpg")
	want := []NetworkContext{GlobalContext(), DomainContext("example.com"), DomainContext("img3.example.com")}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("[%d] want %v, got %v", i, want[i], got[i])
		}
	}
	if got := ContextsForURL("not a url"); len(got) != 1 || got[0] != GlobalContext() {
		t.Fatalf("unparseable URL must fall back to global, got %v", got)
	}
}

func TestSubscription_QueriesAndOrder(t *testing.T) {
	s := NewSubscription("cats", "booru", t0)
	for _, q := range []string{"zebra", "Apple", "mango"} {
		if _, err := s.AddQuery(q); err != nil {
			t.Fatalf("AddQuery(%q): %v", q, err)
		}
	}
	if _, err := s.AddQuery(" mango "); !errors.Is(err, ErrQueryExists) {
		t.Fatalf("duplicate query: want ErrQueryExists, got %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	idx := s.OrderedQueryIndexes(QueryOrderAlphabetical, nil)
	var names []string
	for _, i := range idx {
		names = append(names, s.Queries[i].QueryText)
	}
	if names[0] != "Apple" || names[1] != "mango" || names[2] != "zebra" {
		t.Fatalf("alphabetical order: %v", names)
	}

	if _, err := s.RemoveQuery("nope"); !errors.Is(err, ErrQueryNotFound) {
		t.Fatalf("want ErrQueryNotFound, got %v", err)
	}
}

func TestSubscription_FileLimit(t *testing.T) {
	settings := DefaultSettings()
	s := NewSubscription("s", "g", t0)
	s.InitialFileLimit = 5
	h := NewSubscriptionQueryHeader("q")

	if got := s.FileLimit(h, settings); got != 5 {
		t.Fatalf("initial: want 5, got %d", got)
	}
	h.LastCheckTime = t0
	if got := s.FileLimit(h, settings); got != settings.DefaultPeriodicFileLimit {
		t.Fatalf("periodic fallback: want %d, got %d", settings.DefaultPeriodicFileLimit, got)
	}
}

func TestQueryHeader_SyncLifecycle(t *testing.T) {
	h := NewSubscriptionQueryHeader("  blue sky ")
	if h.QueryText != "blue sky" || h.ContainerName == "" {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !h.IsSyncDue(t0) || !h.IsInitialSync() {
		t.Fatalf("new query must be due and initial")
	}

	c := NewQueryLogContainer(h.ContainerName)
	c.FileSeeds.Add(NewURLFileSeed("https://ex.com/1.jpg", "", t0.Add(-time.Hour), t0))
	h.CheckNow = true
	h.RegisterSyncComplete(DefaultCheckerOptions(), c, t0)

	if h.CheckNow || h.IsDead() {
		t.Fatalf("after sync: %+v", h)
	}
	if !h.HasFileWorkToDo() || h.ExampleURL != "https://ex.com/1.jpg" {
		t.Fatalf("file work not reflected: %+v", h)
	}
	if h.IsSyncDue(t0) {
		t.Fatalf("should not be due right after a sync")
	}

	h.Paused = true
	if h.HasFileWorkToDo() {
		t.Fatalf("paused query has no work")
	}

	h.Reset()
	if !h.IsInitialSync() || h.HasFileWork {
		t.Fatalf("reset: %+v", h)
	}
}

func TestJobState_Transitions(t *testing.T) {
	if !CanTransition(JobDownloading, JobSendingRequest) {
		t.Fatalf("ranged loop must be allowed")
	}
	if CanTransition(JobDone, JobDownloading) {
		t.Fatalf("terminal state must not move")
	}
	if !CanTransition(JobWaitingOnBandwidth, JobCancelled) {
		t.Fatalf("cancel from waiting must be allowed")
	}
}
