package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

// ManagerHook est la part du manager dont le service a besoin.
type ManagerHook interface {
	IsRunning(name string) bool
	Refresh(ctx context.Context, name string)
}

type SubscriptionService struct {
	repo       ports.SubscriptionRepository
	generators ports.GalleryGenerators
	bus        ports.EventBus
	manager    ManagerHook
	now        func() time.Time
}

func NewSubscriptionService(repo ports.SubscriptionRepository, generators ports.GalleryGenerators, bus ports.EventBus) *SubscriptionService {
	return &SubscriptionService{repo: repo, generators: generators, bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

// AttachManager branche le manager après construction (dépendance circulaire au démarrage).
func (s *SubscriptionService) AttachManager(m ManagerHook) { s.manager = m }

type CheckerDTO struct {
	IntendedFilesPerCheck  int   `json:"intendedFilesPerCheck" validate:"min=1"`
	NeverFasterThanSeconds int64 `json:"neverFasterThanSeconds" validate:"min=30"`
	NeverSlowerThanSeconds int64 `json:"neverSlowerThanSeconds" validate:"min=30"`
	DeathFiles             int   `json:"deathFiles" validate:"min=0"`
	DeathPeriodSeconds     int64 `json:"deathPeriodSeconds" validate:"min=0"`
}

func ToCheckerDTO(o domain.CheckerOptions) CheckerDTO {
	return CheckerDTO{
		IntendedFilesPerCheck:  o.IntendedFilesPerCheck,
		NeverFasterThanSeconds: int64(o.NeverFasterThan / time.Second),
		NeverSlowerThanSeconds: int64(o.NeverSlowerThan / time.Second),
		DeathFiles:             o.Death.Files,
		DeathPeriodSeconds:     int64(o.Death.Period / time.Second),
	}
}

func (d CheckerDTO) Options() domain.CheckerOptions {
	return domain.CheckerOptions{
		IntendedFilesPerCheck: d.IntendedFilesPerCheck,
		NeverFasterThan:       time.Duration(d.NeverFasterThanSeconds) * time.Second,
		NeverSlowerThan:       time.Duration(d.NeverSlowerThanSeconds) * time.Second,
		Death:                 domain.DeathVelocity{Files: d.DeathFiles, Period: time.Duration(d.DeathPeriodSeconds) * time.Second},
	}
}

type QueryDTO struct {
	QueryText     string    `json:"queryText"`
	DisplayName   string    `json:"displayName,omitempty"`
	Paused        bool      `json:"paused"`
	CheckNow      bool      `json:"checkNow"`
	Dead          bool      `json:"dead"`
	LastCheckTime time.Time `json:"lastCheckTime,omitempty"`
	NextCheckTime time.Time `json:"nextCheckTime,omitempty"`
	FileSummary   string    `json:"fileSummary,omitempty"`
	HasFileWork   bool      `json:"hasFileWork"`
	LastFileTime  time.Time `json:"lastFileTime,omitempty"`
}

type SubscriptionDTO struct {
	Name              string               `json:"name"`
	Generator         string               `json:"generator"`
	Queries           []QueryDTO           `json:"queries"`
	Checker           CheckerDTO           `json:"checker"`
	CheckerSummary    string               `json:"checkerSummary"`
	InitialFileLimit  int                  `json:"initialFileLimit"`
	PeriodicFileLimit int                  `json:"periodicFileLimit"`
	Paused            bool                 `json:"paused"`
	NoWorkUntil       time.Time            `json:"noWorkUntil,omitempty"`
	NoWorkUntilReason string               `json:"noWorkUntilReason,omitempty"`
	FileImportOptions string               `json:"fileImportOptions,omitempty"`
	TagImportOptions  string               `json:"tagImportOptions,omitempty"`
	Import            domain.ImportOptions `json:"import"`
	QueryOrder        domain.QueryOrder    `json:"queryOrder,omitempty"`
	Running           bool                 `json:"running"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

func toQueryDTO(h domain.SubscriptionQueryHeader) QueryDTO {
	return QueryDTO{
		QueryText:     h.QueryText,
		DisplayName:   h.DisplayName,
		Paused:        h.Paused,
		CheckNow:      h.CheckNow,
		Dead:          h.IsDead(),
		LastCheckTime: h.LastCheckTime,
		NextCheckTime: h.NextCheckTime,
		FileSummary:   h.FileSummary,
		HasFileWork:   h.HasFileWork,
		LastFileTime:  h.LastFileTime,
	}
}

func (s *SubscriptionService) toDTO(sub domain.Subscription) SubscriptionDTO {
	qs := make([]QueryDTO, 0, len(sub.Queries))
	for _, h := range sub.Queries {
		qs = append(qs, toQueryDTO(h))
	}
	return SubscriptionDTO{
		Name:              sub.Name,
		Generator:         sub.GeneratorKey,
		Queries:           qs,
		Checker:           ToCheckerDTO(sub.Checker),
		CheckerSummary:    sub.Checker.Describe(),
		InitialFileLimit:  sub.InitialFileLimit,
		PeriodicFileLimit: sub.PeriodicFileLimit,
		Paused:            sub.Paused,
		NoWorkUntil:       sub.NoWorkUntil,
		NoWorkUntilReason: sub.NoWorkUntilReason,
		FileImportOptions: sub.FileImportOptions,
		TagImportOptions:  sub.TagImportOptions,
		Import:            sub.Import,
		QueryOrder:        sub.QueryOrder,
		Running:           s.manager != nil && s.manager.IsRunning(sub.Name),
		CreatedAt:         sub.CreatedAt,
		UpdatedAt:         sub.UpdatedAt,
	}
}

type CreateSubscriptionRequest struct {
	Name              string                `json:"name" validate:"required,max=200"`
	Generator         string                `json:"generator" validate:"required"`
	Queries           []string              `json:"queries" validate:"dive,required"`
	Checker           *CheckerDTO           `json:"checker,omitempty"`
	InitialFileLimit  int                   `json:"initialFileLimit" validate:"min=0"`
	PeriodicFileLimit int                   `json:"periodicFileLimit" validate:"min=0"`
	QueryOrder        domain.QueryOrder     `json:"queryOrder,omitempty" validate:"omitempty,oneof=alphabetical random"`
	FileImportOptions string                `json:"fileImportOptions,omitempty"`
	TagImportOptions  string                `json:"tagImportOptions,omitempty"`
	Import            *domain.ImportOptions `json:"import,omitempty"`
	Paused            bool                  `json:"paused"`
}

// UpdateSubscriptionRequest: champs nil = inchangés.
type UpdateSubscriptionRequest struct {
	Generator         *string               `json:"generator,omitempty"`
	Checker           *CheckerDTO           `json:"checker,omitempty"`
	InitialFileLimit  *int                  `json:"initialFileLimit,omitempty" validate:"omitempty,min=0"`
	PeriodicFileLimit *int                  `json:"periodicFileLimit,omitempty" validate:"omitempty,min=0"`
	QueryOrder        *domain.QueryOrder    `json:"queryOrder,omitempty" validate:"omitempty,oneof=alphabetical random"`
	FileImportOptions *string               `json:"fileImportOptions,omitempty"`
	TagImportOptions  *string               `json:"tagImportOptions,omitempty"`
	Import            *domain.ImportOptions `json:"import,omitempty"`
}

func (s *SubscriptionService) invalid(msg string, err error) error {
	return coded(CodeInvalid, msg, err)
}

func (s *SubscriptionService) checkGenerator(key string) error {
	if s.generators == nil {
		return nil
	}
	if _, ok := s.generators.Get(key); !ok {
		return s.invalid(fmt.Sprintf("unknown generator %q", key), nil)
	}
	return nil
}

func (s *SubscriptionService) Create(ctx context.Context, req CreateSubscriptionRequest) (SubscriptionDTO, error) {
	sub := domain.NewSubscription(req.Name, req.Generator, s.now())
	if err := s.checkGenerator(sub.GeneratorKey); err != nil {
		return SubscriptionDTO{}, err
	}
	if req.Checker != nil {
		sub.Checker = req.Checker.Options()
	}
	sub.InitialFileLimit = req.InitialFileLimit
	sub.PeriodicFileLimit = req.PeriodicFileLimit
	sub.QueryOrder = req.QueryOrder
	sub.FileImportOptions = strings.TrimSpace(req.FileImportOptions)
	sub.TagImportOptions = strings.TrimSpace(req.TagImportOptions)
	if req.Import != nil {
		sub.Import = *req.Import
	}
	sub.Paused = req.Paused
	for _, q := range req.Queries {
		if _, err := sub.AddQuery(q); err != nil {
			return SubscriptionDTO{}, s.invalid("invalid query "+q, err)
		}
	}
	if err := sub.Validate(); err != nil {
		return SubscriptionDTO{}, s.invalid("invalid subscription", err)
	}

	created, err := s.repo.Create(ctx, sub)
	if err != nil {
		return SubscriptionDTO{}, err
	}
	s.changed(ctx, "subscription.created", created)
	return s.toDTO(created), nil
}

func (s *SubscriptionService) Get(ctx context.Context, name string) (SubscriptionDTO, error) {
	sub, err := s.repo.Get(ctx, name)
	if err != nil {
		return SubscriptionDTO{}, err
	}
	return s.toDTO(sub), nil
}

func (s *SubscriptionService) List(ctx context.Context, limit int) ([]SubscriptionDTO, error) {
	subs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionDTO, 0, len(subs))
	for _, sub := range subs {
		out = append(out, s.toDTO(sub))
	}
	return out, nil
}

// edit charge, applique fn et sauve; refusé pendant un run.
func (s *SubscriptionService) edit(ctx context.Context, name, topic string, fn func(sub *domain.Subscription) error) (SubscriptionDTO, error) {
	if s.manager != nil && s.manager.IsRunning(name) {
		return SubscriptionDTO{}, fmt.Errorf("%w: subscription %q is running", ErrBusy, name)
	}
	sub, err := s.repo.Get(ctx, name)
	if err != nil {
		return SubscriptionDTO{}, err
	}
	if err := fn(&sub); err != nil {
		return SubscriptionDTO{}, err
	}
	if err := sub.Validate(); err != nil {
		return SubscriptionDTO{}, s.invalid("invalid subscription", err)
	}
	sub.UpdatedAt = s.now()
	updated, err := s.repo.Update(ctx, sub)
	if err != nil {
		return SubscriptionDTO{}, err
	}
	s.changed(ctx, topic, updated)
	return s.toDTO(updated), nil
}

func (s *SubscriptionService) Update(ctx context.Context, name string, req UpdateSubscriptionRequest) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		if req.Generator != nil {
			key := strings.TrimSpace(*req.Generator)
			if err := s.checkGenerator(key); err != nil {
				return err
			}
			sub.GeneratorKey = key
		}
		if req.Checker != nil {
			sub.Checker = req.Checker.Options()
		}
		if req.InitialFileLimit != nil {
			sub.InitialFileLimit = *req.InitialFileLimit
		}
		if req.PeriodicFileLimit != nil {
			sub.PeriodicFileLimit = *req.PeriodicFileLimit
		}
		if req.QueryOrder != nil {
			sub.QueryOrder = *req.QueryOrder
		}
		if req.FileImportOptions != nil {
			sub.FileImportOptions = strings.TrimSpace(*req.FileImportOptions)
		}
		if req.TagImportOptions != nil {
			sub.TagImportOptions = strings.TrimSpace(*req.TagImportOptions)
		}
		if req.Import != nil {
			sub.Import = *req.Import
		}
		return nil
	})
}

func (s *SubscriptionService) Delete(ctx context.Context, name string) error {
	if s.manager != nil && s.manager.IsRunning(name) {
		return fmt.Errorf("%w: subscription %q is running", ErrBusy, name)
	}
	if err := s.repo.Delete(ctx, name); err != nil {
		return err
	}
	s.publishRaw("subscription.deleted", map[string]any{"name": name})
	if s.manager != nil {
		s.manager.Refresh(ctx, name)
	}
	return nil
}

func (s *SubscriptionService) AddQueries(ctx context.Context, name string, queries []string) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		for _, q := range queries {
			if _, err := sub.AddQuery(q); err != nil {
				if errors.Is(err, domain.ErrQueryExists) {
					return fmt.Errorf("%w: query %q", ErrConflict, strings.TrimSpace(q))
				}
				return s.invalid("invalid query", err)
			}
		}
		return nil
	})
}

func (s *SubscriptionService) RemoveQuery(ctx context.Context, name, query string) (SubscriptionDTO, error) {
	var removed domain.SubscriptionQueryHeader
	dto, err := s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		h, err := sub.RemoveQuery(query)
		if err != nil {
			return fmt.Errorf("%w: query %q", ErrNotFound, query)
		}
		removed = h
		return nil
	})
	if err != nil {
		return dto, err
	}
	if err := s.repo.DeleteContainer(ctx, removed.ContainerName); err != nil && !errors.Is(err, ErrNotFound) {
		return dto, err
	}
	return dto, nil
}

func (s *SubscriptionService) SetPaused(ctx context.Context, name string, paused bool) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		sub.Paused = paused
		return nil
	})
}

func (s *SubscriptionService) SetQueryPaused(ctx context.Context, name, query string, paused bool) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		i, ok := sub.QueryIndex(query)
		if !ok {
			return fmt.Errorf("%w: query %q", ErrNotFound, query)
		}
		sub.Queries[i].Paused = paused
		return nil
	})
}

// CheckNow force un sync; query vide = toutes. Une query morte est relancée.
func (s *SubscriptionService) CheckNow(ctx context.Context, name, query string) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		touched := false
		for i := range sub.Queries {
			h := &sub.Queries[i]
			if query != "" && h.QueryText != query {
				continue
			}
			h.CheckNow = true
			h.CheckerStatus = domain.CheckerOK
			touched = true
		}
		if !touched {
			return fmt.Errorf("%w: query %q", ErrNotFound, query)
		}
		sub.ClearDelay()
		return nil
	})
}

func (s *SubscriptionService) ClearDelay(ctx context.Context, name string) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		sub.ClearDelay()
		return nil
	})
}

// ResetQuery vide les ledgers de la query et oublie son historique.
func (s *SubscriptionService) ResetQuery(ctx context.Context, name, query string) (SubscriptionDTO, error) {
	return s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		i, ok := sub.QueryIndex(query)
		if !ok {
			return fmt.Errorf("%w: query %q", ErrNotFound, query)
		}
		h := &sub.Queries[i]
		if err := s.repo.PutContainer(ctx, domain.NewQueryLogContainer(h.ContainerName)); err != nil {
			return err
		}
		h.Reset()
		return nil
	})
}

// RetryFailed remet en file les file seeds en erreur.
func (s *SubscriptionService) RetryFailed(ctx context.Context, name, query string) (SubscriptionDTO, int, error) {
	retried := 0
	dto, err := s.edit(ctx, name, "subscription.updated", func(sub *domain.Subscription) error {
		for i := range sub.Queries {
			h := &sub.Queries[i]
			if query != "" && h.QueryText != query {
				continue
			}
			c, err := s.repo.GetContainer(ctx, h.ContainerName)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			n := c.FileSeeds.RetryFailed(s.now())
			if n == 0 {
				continue
			}
			if err := s.repo.PutContainer(ctx, c); err != nil {
				return err
			}
			h.UpdateFromContainer(c)
			retried += n
		}
		return nil
	})
	return dto, retried, err
}

type SeedDTO struct {
	Key        string            `json:"key"`
	URL        string            `json:"url,omitempty"`
	Status     domain.SeedStatus `json:"status"`
	Note       string            `json:"note,omitempty"`
	Hash       string            `json:"hash,omitempty"`
	SourceTime time.Time         `json:"sourceTime,omitempty"`
	Modified   time.Time         `json:"modified"`
}

type QueryLogDTO struct {
	Query        string                    `json:"query"`
	Summary      string                    `json:"summary"`
	FileCounts   map[domain.SeedStatus]int `json:"fileCounts"`
	GalleryCount map[domain.SeedStatus]int `json:"galleryCounts"`
	Compacted    domain.CompactedStats     `json:"compacted"`
	Files        []SeedDTO                 `json:"files"`
	Gallery      []SeedDTO                 `json:"gallery"`
}

// QueryLog renvoie les derniers seeds d'une query (limit par ledger).
func (s *SubscriptionService) QueryLog(ctx context.Context, name, query string, limit int) (QueryLogDTO, error) {
	sub, err := s.repo.Get(ctx, name)
	if err != nil {
		return QueryLogDTO{}, err
	}
	i, ok := sub.QueryIndex(query)
	if !ok {
		return QueryLogDTO{}, fmt.Errorf("%w: query %q", ErrNotFound, query)
	}
	h := sub.Queries[i]
	c, err := s.repo.GetContainer(ctx, h.ContainerName)
	if errors.Is(err, ErrNotFound) {
		c = domain.NewQueryLogContainer(h.ContainerName)
	} else if err != nil {
		return QueryLogDTO{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	out := QueryLogDTO{
		Query:        h.QueryText,
		Summary:      c.FileSeeds.Summary(),
		FileCounts:   c.FileSeeds.Counts(),
		GalleryCount: c.GallerySeeds.Counts(),
		Compacted:    c.FileSeeds.Compacted(),
	}
	files := c.FileSeeds.Seeds()
	if len(files) > limit {
		files = files[len(files)-limit:]
	}
	for _, f := range files {
		out.Files = append(out.Files, SeedDTO{Key: f.Key, URL: f.URL, Status: f.Status, Note: f.Note, Hash: f.Hash, SourceTime: f.SourceTime, Modified: f.Modified})
	}
	pages := c.GallerySeeds.Seeds()
	if len(pages) > limit {
		pages = pages[len(pages)-limit:]
	}
	for _, g := range pages {
		out.Gallery = append(out.Gallery, SeedDTO{Key: g.URL, URL: g.URL, Status: g.Status, Note: g.Note, Modified: g.Modified})
	}
	return out, nil
}

func (s *SubscriptionService) changed(ctx context.Context, topic string, sub domain.Subscription) {
	if s.manager != nil {
		s.manager.Refresh(ctx, sub.Name)
	}
	s.publishRaw(topic, s.toDTO(sub))
}

func (s *SubscriptionService) publishRaw(topic string, v any) {
	if s.bus == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.bus.Publish(topic, b)
}
