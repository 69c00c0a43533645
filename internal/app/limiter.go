package app

import (
	"context"
	"sync"
)

// DynamicLimiter borne les connexions HTTP ouvertes, globalement et par hôte.
// Les deux plafonds se changent à chaud; Acquire respecte le contexte.
type DynamicLimiter struct {
	mu       sync.Mutex
	limit    int
	perKey   int
	inFlight int
	byKey    map[string]int
	waiting  int
	notify   chan struct{}
}

type LimiterStats struct {
	Limit    int `json:"limit"`
	PerHost  int `json:"perHost"`
	InFlight int `json:"inFlight"`
	Waiting  int `json:"waiting"`
}

func NewDynamicLimiter(limit int) *DynamicLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &DynamicLimiter{limit: limit, byKey: map[string]int{}, notify: make(chan struct{})}
}

func (l *DynamicLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *DynamicLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *DynamicLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{Limit: l.limit, PerHost: l.perKey, InFlight: l.inFlight, Waiting: l.waiting}
}

func (l *DynamicLimiter) SetLimit(limit int) {
	if limit <= 0 {
		limit = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit == limit {
		return
	}
	l.limit = limit
	l.signalLocked()
}

// SetPerKeyLimit: 0 désactive le plafond par hôte.
func (l *DynamicLimiter) SetPerKeyLimit(n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perKey == n {
		return
	}
	l.perKey = n
	l.signalLocked()
}

func (l *DynamicLimiter) roomLocked(key string) bool {
	if l.inFlight >= l.limit {
		return false
	}
	return l.perKey <= 0 || key == "" || l.byKey[key] < l.perKey
}

func (l *DynamicLimiter) takeLocked(key string) {
	l.inFlight++
	if key != "" {
		l.byKey[key]++
	}
}

func (l *DynamicLimiter) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.roomLocked(key) {
		return false
	}
	l.takeLocked(key)
	return true
}

func (l *DynamicLimiter) Acquire(ctx context.Context, key string) error {
	counted := false
	defer func() {
		if counted {
			l.mu.Lock()
			l.waiting--
			l.mu.Unlock()
		}
	}()
	for {
		l.mu.Lock()
		if l.roomLocked(key) {
			l.takeLocked(key)
			l.mu.Unlock()
			return nil
		}
		if !counted {
			l.waiting++
			counted = true
		}
		ch := l.notify
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (l *DynamicLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	if key != "" {
		if l.byKey[key] <= 1 {
			delete(l.byKey, key)
		} else {
			l.byKey[key]--
		}
	}
	l.signalLocked()
}

func (l *DynamicLimiter) signalLocked() {
	// Réveille tous les waiters: fermer puis recréer le channel.
	close(l.notify)
	l.notify = make(chan struct{})
}
