package ports

import (
	"context"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// SubscriptionRepository persiste les headers légers et, séparément,
// un container de ledgers par query.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)
	Get(ctx context.Context, name string) (domain.Subscription, error)
	List(ctx context.Context, limit int) ([]domain.Subscription, error)
	Update(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)
	// Delete supprime aussi les containers référencés.
	Delete(ctx context.Context, name string) error

	GetContainer(ctx context.Context, name string) (*domain.QueryLogContainer, error)
	PutContainer(ctx context.Context, c *domain.QueryLogContainer) error
	DeleteContainer(ctx context.Context, name string) error
}
