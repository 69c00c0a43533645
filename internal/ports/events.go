package ports

import (
	"context"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// JobRegistry garde les NetworkJobs vivants pour le polling en lecture seule.
type JobRegistry interface {
	List(ctx context.Context, limit int) ([]domain.JobSnapshot, error)
	Get(ctx context.Context, id string) (domain.JobSnapshot, error)
}

type EventBus interface {
	Publish(topic string, payload []byte)
	Subscribe() (ch <-chan Event, cancel func())
}

// Event: Payload est du JSON déjà encodé par l'émetteur.
type Event struct {
	ID      string
	Topic   string
	At      time.Time
	Payload []byte
}
