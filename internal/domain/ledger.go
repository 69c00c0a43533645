package domain

import (
	"container/heap"
	"sync"
	"time"
)

type seed[S any] interface {
	SeedKey() string
	seedState() *SeedState
	Clone() S
}

// positionHeap garde les positions d'un statut donné, plus petite en tête.
// Les positions périmées (statut changé depuis) sont purgées paresseusement.
type positionHeap []int

func (h positionHeap) Len() int           { return len(h) }
func (h positionHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ledger est la base commune de GallerySeedLog et FileSeedCache:
// une arène ordonnée par insertion, un index clé -> position et une file
// par statut. Un seul mutex protège l'ensemble.
type ledger[S seed[S]] struct {
	mu sync.Mutex

	arena    []S
	index    map[string]int
	byStatus map[SeedStatus]*positionHeap
	queued   map[SeedStatus]map[int]struct{}
}

func newLedger[S seed[S]]() ledger[S] {
	return ledger[S]{
		index:    map[string]int{},
		byStatus: map[SeedStatus]*positionHeap{},
		queued:   map[SeedStatus]map[int]struct{}{},
	}
}

func (l *ledger[S]) pushLocked(status SeedStatus, pos int) {
	q := l.queued[status]
	if q == nil {
		q = map[int]struct{}{}
		l.queued[status] = q
	}
	if _, ok := q[pos]; ok {
		return
	}
	q[pos] = struct{}{}
	h := l.byStatus[status]
	if h == nil {
		h = &positionHeap{}
		l.byStatus[status] = h
	}
	heap.Push(h, pos)
}

func (l *ledger[S]) addLocked(s S) bool {
	key := s.SeedKey()
	if key == "" {
		return false
	}
	if _, ok := l.index[key]; ok {
		return false
	}
	st := s.seedState()
	if !st.Status.Valid() {
		st.Status = SeedUnknown
	}
	pos := len(l.arena)
	l.arena = append(l.arena, s)
	l.index[key] = pos
	l.pushLocked(st.Status, pos)
	return true
}

func (l *ledger[S]) add(items ...S) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range items {
		if l.addLocked(s) {
			n++
		}
	}
	return n
}

func (l *ledger[S]) has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[key]
	return ok
}

func (l *ledger[S]) get(key string) (S, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[key]
	if !ok {
		var zero S
		return zero, false
	}
	return l.arena[pos].Clone(), true
}

// next renvoie le plus ancien seed encore dans ce statut.
func (l *ledger[S]) next(status SeedStatus) (S, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero S
	h := l.byStatus[status]
	if h == nil {
		return zero, false
	}
	for h.Len() > 0 {
		pos := (*h)[0]
		if l.arena[pos].seedState().Status == status {
			return l.arena[pos].Clone(), true
		}
		heap.Pop(h)
		delete(l.queued[status], pos)
	}
	return zero, false
}

func (l *ledger[S]) update(key string, fn func(s S)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.index[key]
	if !ok {
		return ErrSeedNotFound
	}
	s := l.arena[pos]
	before := s.seedState().Status
	fn(s)
	after := s.seedState().Status
	if !after.Valid() {
		s.seedState().Status = before
		after = before
	}
	if after != before {
		l.pushLocked(after, pos)
	}
	return nil
}

func (l *ledger[S]) setStatus(key string, status SeedStatus, note string, now time.Time) error {
	return l.update(key, func(s S) { s.seedState().set(status, note, now) })
}

func (l *ledger[S]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.arena)
}

func (l *ledger[S]) counts() map[SeedStatus]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[SeedStatus]int{}
	for _, s := range l.arena {
		out[s.seedState().Status]++
	}
	return out
}

func (l *ledger[S]) seeds() []S {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]S, 0, len(l.arena))
	for _, s := range l.arena {
		out = append(out, s.Clone())
	}
	return out
}

func (l *ledger[S]) each(fn func(s S)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.arena {
		fn(s)
	}
}

// compact retire les entrées terminales plus vieilles que cutoff,
// en gardant toujours les keep dernières. Les entrées "unknown" restent.
// onDrop voit chaque entrée retirée (agrégats).
func (l *ledger[S]) compact(keep int, cutoff time.Time, onDrop func(s S)) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(l.arena) <= keep {
		return 0
	}
	protectedFrom := len(l.arena) - keep
	kept := make([]S, 0, len(l.arena))
	dropped := 0
	for pos, s := range l.arena {
		st := s.seedState()
		if pos < protectedFrom && st.Status.IsTerminal() && st.Modified.Before(cutoff) {
			if onDrop != nil {
				onDrop(s)
			}
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	if dropped == 0 {
		return 0
	}
	l.arena = nil
	l.index = map[string]int{}
	l.byStatus = map[SeedStatus]*positionHeap{}
	l.queued = map[SeedStatus]map[int]struct{}{}
	for _, s := range kept {
		l.addLocked(s)
	}
	return dropped
}

func (l *ledger[S]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.arena = nil
	l.index = map[string]int{}
	l.byStatus = map[SeedStatus]*positionHeap{}
	l.queued = map[SeedStatus]map[int]struct{}{}
}
