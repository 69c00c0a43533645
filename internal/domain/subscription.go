package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

type QueryOrder string

const (
	QueryOrderAlphabetical QueryOrder = "alphabetical"
	QueryOrderRandom       QueryOrder = "random"
)

var (
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrQueryExists         = errors.New("query already exists")
	ErrQueryNotFound       = errors.New("query not found")
)

// ImportOptions est la référence (nom) aux options d'import appliquées aux fichiers.
type ImportOptions struct {
	MinSize      int64    `json:"minSize,omitempty"`
	MaxSize      int64    `json:"maxSize,omitempty"`
	AllowedMIMEs []string `json:"allowedMimes,omitempty"`
}

type Subscription struct {
	// Name est la clé: pas de renommage.
	Name string

	// GeneratorKey référence un générateur d'URL de galerie enregistré.
	GeneratorKey string

	Queries []SubscriptionQueryHeader

	Checker CheckerOptions

	// 0 = valeur par défaut des réglages.
	InitialFileLimit  int
	PeriodicFileLimit int

	Paused bool

	NoWorkUntil       time.Time
	NoWorkUntilReason string

	FileImportOptions string
	TagImportOptions  string
	Import            ImportOptions

	QueryOrder QueryOrder

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewSubscription(name, generatorKey string, now time.Time) Subscription {
	return Subscription{
		Name:         strings.TrimSpace(name),
		GeneratorKey: strings.TrimSpace(generatorKey),
		Checker:      DefaultCheckerOptions(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s Subscription) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.Join(ErrInvalidSubscription, errors.New("name required"))
	}
	if strings.TrimSpace(s.GeneratorKey) == "" {
		return errors.Join(ErrInvalidSubscription, errors.New("generator required"))
	}
	if s.InitialFileLimit < 0 || s.PeriodicFileLimit < 0 {
		return errors.Join(ErrInvalidSubscription, errors.New("file limits must be >= 0"))
	}
	if err := s.Checker.Validate(); err != nil {
		return errors.Join(ErrInvalidSubscription, err)
	}
	seen := map[string]bool{}
	for _, q := range s.Queries {
		if q.QueryText == "" {
			return errors.Join(ErrInvalidSubscription, errors.New("empty query"))
		}
		if seen[q.QueryText] {
			return errors.Join(ErrInvalidSubscription, ErrQueryExists)
		}
		seen[q.QueryText] = true
	}
	return nil
}

func (s *Subscription) AddQuery(text string) (SubscriptionQueryHeader, error) {
	h := NewSubscriptionQueryHeader(text)
	if h.QueryText == "" {
		return h, errors.Join(ErrInvalidSubscription, errors.New("empty query"))
	}
	if _, ok := s.QueryIndex(h.QueryText); ok {
		return h, ErrQueryExists
	}
	s.Queries = append(s.Queries, h)
	return h, nil
}

func (s *Subscription) RemoveQuery(text string) (SubscriptionQueryHeader, error) {
	i, ok := s.QueryIndex(text)
	if !ok {
		return SubscriptionQueryHeader{}, ErrQueryNotFound
	}
	h := s.Queries[i]
	s.Queries = append(s.Queries[:i], s.Queries[i+1:]...)
	return h, nil
}

func (s Subscription) QueryIndex(text string) (int, bool) {
	text = strings.TrimSpace(text)
	for i, q := range s.Queries {
		if q.QueryText == text {
			return i, true
		}
	}
	return -1, false
}

// FileLimit renvoie la limite applicable à ce sync d'une query.
func (s Subscription) FileLimit(h SubscriptionQueryHeader, settings Settings) int {
	if h.IsInitialSync() {
		if s.InitialFileLimit > 0 {
			return s.InitialFileLimit
		}
		return settings.DefaultInitialFileLimit
	}
	if s.PeriodicFileLimit > 0 {
		return s.PeriodicFileLimit
	}
	return settings.DefaultPeriodicFileLimit
}

// OrderedQueryIndexes renvoie l'ordre de traitement des queries.
// shuffle n'est appelé qu'en mode aléatoire.
func (s Subscription) OrderedQueryIndexes(fallback QueryOrder, shuffle func(n int, swap func(i, j int))) []int {
	idx := make([]int, len(s.Queries))
	for i := range idx {
		idx[i] = i
	}
	order := s.QueryOrder
	if order == "" {
		order = fallback
	}
	if order == QueryOrderRandom && shuffle != nil {
		shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		return idx
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return strings.ToLower(s.Queries[idx[a]].Name()) < strings.ToLower(s.Queries[idx[b]].Name())
	})
	return idx
}

func (s Subscription) IsDelayed(now time.Time) bool {
	return s.NoWorkUntil.After(now)
}

// Delay repousse tout travail de l'abonnement.
func (s *Subscription) Delay(d time.Duration, reason string, now time.Time) {
	s.NoWorkUntil = now.Add(d)
	s.NoWorkUntilReason = reason
}

func (s *Subscription) ClearDelay() {
	s.NoWorkUntil = time.Time{}
	s.NoWorkUntilReason = ""
}

func (s Subscription) ContainerNames() []string {
	out := make([]string, 0, len(s.Queries))
	for _, q := range s.Queries {
		out = append(out, q.ContainerName)
	}
	return out
}

func (s Subscription) Clone() Subscription {
	c := s
	c.Queries = append([]SubscriptionQueryHeader(nil), s.Queries...)
	c.Import.AllowedMIMEs = append([]string(nil), s.Import.AllowedMIMEs...)
	return c
}
