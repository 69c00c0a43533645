package domain

import "time"

// GallerySeedLog is the deduplicated, insertion-ordered ledger of listing pages.
type GallerySeedLog struct {
	l ledger[*GallerySeed]
}

func NewGallerySeedLog() *GallerySeedLog {
	return &GallerySeedLog{l: newLedger[*GallerySeed]()}
}

func RestoreGallerySeedLog(seeds []*GallerySeed) *GallerySeedLog {
	g := NewGallerySeedLog()
	g.l.add(seeds...)
	return g
}

func (g *GallerySeedLog) Add(seeds ...*GallerySeed) int { return g.l.add(seeds...) }

// AddOrRetry ajoute la page, ou remet en "unknown" une page déjà traitée
// (même identité, même position). Renvoie true si la page est en file.
func (g *GallerySeedLog) AddOrRetry(s *GallerySeed, now time.Time) bool {
	if g.l.add(s) == 1 {
		return true
	}
	err := g.l.update(s.URL, func(cur *GallerySeed) {
		if cur.Status != SeedUnknown {
			cur.set(SeedUnknown, "", now)
		}
		cur.CanGenerateMore = s.CanGenerateMore
	})
	return err == nil
}

func (g *GallerySeedLog) Has(url string) bool { return g.l.has(url) }

func (g *GallerySeedLog) Get(url string) (*GallerySeed, bool) { return g.l.get(url) }

func (g *GallerySeedLog) Next(status SeedStatus) (*GallerySeed, bool) { return g.l.next(status) }

func (g *GallerySeedLog) SetStatus(url string, status SeedStatus, note string, now time.Time) error {
	return g.l.setStatus(url, status, note, now)
}

func (g *GallerySeedLog) Len() int { return g.l.len() }

func (g *GallerySeedLog) Counts() map[SeedStatus]int { return g.l.counts() }

func (g *GallerySeedLog) Seeds() []*GallerySeed { return g.l.seeds() }

func (g *GallerySeedLog) Compact(keep int, cutoff time.Time) int {
	return g.l.compact(keep, cutoff, nil)
}

func (g *GallerySeedLog) Clear() { g.l.clear() }
