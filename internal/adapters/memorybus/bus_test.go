package memorybus

import (
	"fmt"
	"testing"
	"time"
)

func TestBus_FanOutAndFilter(t *testing.T) {
	b := New()
	all, cancelAll := b.Subscribe()
	defer cancelAll()
	subs, cancelSubs := b.SubscribeTopics("subscription.")
	defer cancelSubs()

	b.Publish("network.job.done", []byte(`{}`))
	b.Publish("subscription.synced", []byte(`{"name":"cats"}`))

	for _, want := range []string{"network.job.done", "subscription.synced"} {
		select {
		case e := <-all:
			if e.Topic != want || e.ID == "" || e.At.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
	select {
	case e := <-subs:
		if e.Topic != "subscription.synced" {
			t.Fatalf("filter leaked %s", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("filtered subscriber got nothing")
	}
	select {
	case e := <-subs:
		t.Fatalf("unexpected extra event %s", e.Topic)
	default:
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish("t", []byte(fmt.Sprint(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if b.Dropped() != 200-64 {
		t.Fatalf("want %d dropped, got %d", 200-64, b.Dropped())
	}
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	cancel()
	b.Publish("t", nil)

	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after close returns a closed channel")
	}
}
