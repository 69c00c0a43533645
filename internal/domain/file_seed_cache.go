package domain

import (
	"fmt"
	"strings"
	"time"
)

// CompactedStats survit à la compaction: la vélocité a besoin du nombre de
// succès retirés et de la date source la plus récente.
type CompactedStats struct {
	Successes        int       `json:"successes"`
	LatestSourceTime time.Time `json:"latestSourceTime,omitempty"`
}

// FileSeedCache is the deduplicated, insertion-ordered ledger of file seeds for one query.
type FileSeedCache struct {
	l         ledger[*FileSeed]
	compacted CompactedStats
}

func NewFileSeedCache() *FileSeedCache {
	return &FileSeedCache{l: newLedger[*FileSeed]()}
}

// RestoreFileSeedCache reconstruit un cache persisté, dans l'ordre donné.
func RestoreFileSeedCache(seeds []*FileSeed, compacted CompactedStats) *FileSeedCache {
	c := NewFileSeedCache()
	c.l.add(seeds...)
	c.compacted = compacted
	return c
}

// Add insère les seeds inconnus et renvoie combien ont été ajoutés.
// Ré-ajouter une clé existante ne change rien.
func (c *FileSeedCache) Add(seeds ...*FileSeed) int { return c.l.add(seeds...) }

func (c *FileSeedCache) Has(key string) bool { return c.l.has(key) }

func (c *FileSeedCache) Get(key string) (*FileSeed, bool) { return c.l.get(key) }

func (c *FileSeedCache) Next(status SeedStatus) (*FileSeed, bool) { return c.l.next(status) }

func (c *FileSeedCache) SetStatus(key string, status SeedStatus, note string, now time.Time) error {
	return c.l.setStatus(key, status, note, now)
}

// SetResult enregistre l'issue d'un import (statut, note, hash).
func (c *FileSeedCache) SetResult(key string, status SeedStatus, note, hash string, now time.Time) error {
	return c.l.update(key, func(s *FileSeed) {
		s.set(status, note, now)
		if hash != "" {
			s.Hash = hash
		}
	})
}

func (c *FileSeedCache) Len() int { return c.l.len() }

func (c *FileSeedCache) Counts() map[SeedStatus]int { return c.l.counts() }

func (c *FileSeedCache) Seeds() []*FileSeed { return c.l.seeds() }

func (c *FileSeedCache) Compacted() CompactedStats {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	return c.compacted
}

func (c *FileSeedCache) HasWork() bool {
	_, ok := c.Next(SeedUnknown)
	return ok
}

// Compact retire les vieux seeds terminés; les succès retirés restent comptés.
func (c *FileSeedCache) Compact(keep int, cutoff time.Time) int {
	var removedSuccess int
	var latest time.Time
	n := c.l.compact(keep, cutoff, func(s *FileSeed) {
		if s.Status == SeedSuccess {
			removedSuccess++
			if t := s.SourceOrCreated(); t.After(latest) {
				latest = t
			}
		}
	})
	if n > 0 {
		c.l.mu.Lock()
		c.compacted.Successes += removedSuccess
		if latest.After(c.compacted.LatestSourceTime) {
			c.compacted.LatestSourceTime = latest
		}
		c.l.mu.Unlock()
	}
	return n
}

// RetryFailed repasse les seeds en erreur à "unknown".
func (c *FileSeedCache) RetryFailed(now time.Time) int {
	var keys []string
	c.l.each(func(s *FileSeed) {
		if s.Status == SeedError {
			keys = append(keys, s.Key)
		}
	})
	for _, k := range keys {
		_ = c.l.setStatus(k, SeedUnknown, "", now)
	}
	return len(keys)
}

// NumFilesSince compte les fichiers découverts (hors erreurs et vetos)
// dont la date source est >= since.
func (c *FileSeedCache) NumFilesSince(since time.Time) int {
	n := 0
	c.l.each(func(s *FileSeed) {
		if s.Status == SeedError || s.Status == SeedVetoed {
			return
		}
		if !s.SourceOrCreated().Before(since) {
			n++
		}
	})
	if lt := c.Compacted().LatestSourceTime; !lt.IsZero() && !lt.Before(since) {
		// Au moins un succès compacté tombe dans la fenêtre.
		n++
	}
	return n
}

func (c *FileSeedCache) SuccessSourceTimes() []time.Time {
	var out []time.Time
	c.l.each(func(s *FileSeed) {
		if s.Status == SeedSuccess {
			out = append(out, s.SourceOrCreated())
		}
	})
	return out
}

// EarliestSourceTime ignore les seeds en erreur ou refusés.
func (c *FileSeedCache) EarliestSourceTime() (time.Time, bool) {
	var out time.Time
	c.l.each(func(s *FileSeed) {
		if s.Status == SeedError || s.Status == SeedVetoed {
			return
		}
		t := s.SourceOrCreated()
		if out.IsZero() || t.Before(out) {
			out = t
		}
	})
	return out, !out.IsZero()
}

func (c *FileSeedCache) LatestSourceTime() (time.Time, bool) {
	out := c.Compacted().LatestSourceTime
	c.l.each(func(s *FileSeed) {
		if s.Status == SeedError || s.Status == SeedVetoed {
			return
		}
		if t := s.SourceOrCreated(); t.After(out) {
			out = t
		}
	})
	return out, !out.IsZero()
}

// Summary renvoie un résumé court, ex: "12/15 (2 errors, 1 vetoed)".
func (c *FileSeedCache) Summary() string {
	counts := c.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return "no files"
	}
	done := total - counts[SeedUnknown]
	s := fmt.Sprintf("%d/%d", done, total)
	var extra []string
	if n := counts[SeedError]; n > 0 {
		extra = append(extra, fmt.Sprintf("%d errors", n))
	}
	if n := counts[SeedVetoed]; n > 0 {
		extra = append(extra, fmt.Sprintf("%d vetoed", n))
	}
	if len(extra) > 0 {
		s += " (" + strings.Join(extra, ", ") + ")"
	}
	return s
}

func (c *FileSeedCache) Clear() {
	c.l.clear()
	c.l.mu.Lock()
	c.compacted = CompactedStats{}
	c.l.mu.Unlock()
}
