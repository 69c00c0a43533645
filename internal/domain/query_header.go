package domain

import (
	"strings"
	"time"

	"github.com/rs/xid"
)

type CheckerStatus string

const (
	CheckerOK   CheckerStatus = "ok"
	CheckerDead CheckerStatus = "dead"
)

// QueryLogContainer porte les deux ledgers d'une query. Persisté à part du
// header pour ne pas réécrire de gros ledgers à chaque édition légère.
type QueryLogContainer struct {
	Name         string
	GallerySeeds *GallerySeedLog
	FileSeeds    *FileSeedCache
}

func NewQueryLogContainer(name string) *QueryLogContainer {
	return &QueryLogContainer{
		Name:         name,
		GallerySeeds: NewGallerySeedLog(),
		FileSeeds:    NewFileSeedCache(),
	}
}

// SubscriptionQueryHeader is the lightweight cursor of one saved query.
type SubscriptionQueryHeader struct {
	QueryText   string `json:"queryText"`
	DisplayName string `json:"displayName,omitempty"`
	Paused      bool   `json:"paused"`
	CheckNow    bool   `json:"checkNow"`

	LastCheckTime time.Time     `json:"lastCheckTime,omitempty"`
	NextCheckTime time.Time     `json:"nextCheckTime,omitempty"`
	CheckerStatus CheckerStatus `json:"checkerStatus"`

	// Caches recalculés depuis le container après chaque phase.
	FileSummary  string    `json:"fileSummary,omitempty"`
	HasFileWork  bool      `json:"hasFileWork"`
	ExampleURL   string    `json:"exampleUrl,omitempty"`
	LastFileTime time.Time `json:"lastFileTime,omitempty"`

	ContainerName string `json:"containerName"`
}

func NewSubscriptionQueryHeader(queryText string) SubscriptionQueryHeader {
	return SubscriptionQueryHeader{
		QueryText:     strings.TrimSpace(queryText),
		CheckerStatus: CheckerOK,
		ContainerName: "qlc_" + xid.New().String(),
	}
}

func (h SubscriptionQueryHeader) Name() string {
	if h.DisplayName != "" {
		return h.DisplayName
	}
	return h.QueryText
}

func (h SubscriptionQueryHeader) IsDead() bool { return h.CheckerStatus == CheckerDead }

func (h SubscriptionQueryHeader) IsInitialSync() bool { return h.LastCheckTime.IsZero() }

// IsSyncDue: check-now force, sinon l'heure prévue doit être passée.
func (h SubscriptionQueryHeader) IsSyncDue(now time.Time) bool {
	if h.Paused || h.IsDead() {
		return false
	}
	if h.CheckNow {
		return true
	}
	return !h.NextCheckTime.After(now)
}

func (h SubscriptionQueryHeader) CanSync(now time.Time) bool {
	return h.IsSyncDue(now)
}

func (h SubscriptionQueryHeader) HasFileWorkToDo() bool {
	return !h.Paused && h.HasFileWork
}

// ExampleContexts sert aux sondes login/domaine avant toute action réseau.
func (h SubscriptionQueryHeader) ExampleContexts(subscription string) []NetworkContext {
	if h.ExampleURL == "" {
		return []NetworkContext{GlobalContext(), SubscriptionContext(subscription)}
	}
	return ContextsForSubscription(subscription, h.ExampleURL)
}

// UpdateFromContainer rafraîchit les caches du header.
func (h *SubscriptionQueryHeader) UpdateFromContainer(c *QueryLogContainer) {
	if c == nil {
		return
	}
	h.FileSummary = c.FileSeeds.Summary()
	h.HasFileWork = c.FileSeeds.HasWork()
	if s, ok := c.FileSeeds.Next(SeedUnknown); ok && s.URL != "" {
		h.ExampleURL = s.URL
	} else if s, ok := c.GallerySeeds.Next(SeedUnknown); ok {
		h.ExampleURL = s.URL
	} else if seeds := c.GallerySeeds.Seeds(); len(seeds) > 0 {
		h.ExampleURL = seeds[len(seeds)-1].URL
	}
	if t, ok := c.FileSeeds.LatestSourceTime(); ok {
		h.LastFileTime = t
	}
}

// RegisterSyncComplete clôt un sync: mort/vivant, prochaine vérification.
func (h *SubscriptionQueryHeader) RegisterSyncComplete(opts CheckerOptions, c *QueryLogContainer, now time.Time) {
	h.CheckNow = false
	h.LastCheckTime = now
	if opts.IsDead(c.FileSeeds, now) {
		h.CheckerStatus = CheckerDead
	} else {
		h.CheckerStatus = CheckerOK
	}
	h.NextCheckTime = opts.NextCheckTime(c.FileSeeds, now, h.NextCheckTime, now)
	h.UpdateFromContainer(c)
}

// MarkDead: première synchro sans aucune URL.
func (h *SubscriptionQueryHeader) MarkDead(now time.Time) {
	h.CheckNow = false
	h.LastCheckTime = now
	h.CheckerStatus = CheckerDead
}

// Reset remet la query à zéro; le container doit être vidé par l'appelant.
func (h *SubscriptionQueryHeader) Reset() {
	h.CheckNow = false
	h.LastCheckTime = time.Time{}
	h.NextCheckTime = time.Time{}
	h.CheckerStatus = CheckerOK
	h.FileSummary = ""
	h.HasFileWork = false
	h.ExampleURL = ""
	h.LastFileTime = time.Time{}
}
