package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// JobRegistry garde les NetworkJobs en cours et les derniers terminés,
// en lecture seule pour l'API.
type JobRegistry struct {
	bus ports.EventBus

	mu     sync.Mutex
	live   map[string]*NetworkJob
	recent []domain.JobSnapshot
	keep   int
}

func NewJobRegistry(bus ports.EventBus, keepFinished int) *JobRegistry {
	if keepFinished <= 0 {
		keepFinished = 50
	}
	return &JobRegistry{bus: bus, live: map[string]*NetworkJob{}, keep: keepFinished}
}

func (r *JobRegistry) add(j *NetworkJob) {
	r.mu.Lock()
	r.live[j.id] = j
	r.mu.Unlock()
}

func (r *JobRegistry) finish(j *NetworkJob) {
	snap := j.Snapshot()
	r.mu.Lock()
	delete(r.live, j.id)
	r.recent = append(r.recent, snap)
	if len(r.recent) > r.keep {
		r.recent = append([]domain.JobSnapshot(nil), r.recent[len(r.recent)-r.keep:]...)
	}
	r.mu.Unlock()
	PublishJobEvent(r.bus, "network.job."+string(snap.State), snap)
}

// Cancel annule un job vivant. ErrNotFound s'il est déjà terminé.
func (r *JobRegistry) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	j.Cancel()
	return nil
}

func (r *JobRegistry) Get(_ context.Context, id string) (domain.JobSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.live[id]; ok {
		return j.Snapshot(), nil
	}
	for i := len(r.recent) - 1; i >= 0; i-- {
		if r.recent[i].ID == id {
			return r.recent[i], nil
		}
	}
	return domain.JobSnapshot{}, ErrNotFound
}

// List renvoie les jobs vivants puis les terminés, les plus récents d'abord.
func (r *JobRegistry) List(_ context.Context, limit int) ([]domain.JobSnapshot, error) {
	r.mu.Lock()
	live := make([]domain.JobSnapshot, 0, len(r.live))
	for _, j := range r.live {
		live = append(live, j.Snapshot())
	}
	done := append([]domain.JobSnapshot(nil), r.recent...)
	r.mu.Unlock()

	sort.Slice(live, func(a, b int) bool { return live[a].CreatedAt.After(live[b].CreatedAt) })
	out := live
	for i := len(done) - 1; i >= 0; i-- {
		out = append(out, done[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRegistry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func PublishJobEvent(bus ports.EventBus, topic string, snap domain.JobSnapshot) {
	if bus == nil {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	bus.Publish(topic, b)
}
