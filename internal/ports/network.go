package ports

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// BandwidthManager doit être sûr en concurrence: tous les workers l'appellent.
type BandwidthManager interface {
	CanDoWork(contexts []domain.NetworkContext, threshold int64) bool
	TryToStartRequest(contexts []domain.NetworkContext) bool
	ReportDataUsed(contexts []domain.NetworkContext, n int64)
	GetWaitingEstimateAndContext(contexts []domain.NetworkContext) (time.Duration, domain.NetworkContext)
}

type LoginManager interface {
	NeedsLogin(nc domain.NetworkContext) bool
	// CheckCanLogin renvoie nil si la session est valide, sinon la raison.
	CheckCanLogin(ctx context.Context, nc domain.NetworkContext) error
}

type DomainManager interface {
	// DomainOK: disjoncteur sur les erreurs réseau récentes.
	DomainOK(rawURL string) bool
	ReportNetworkError(rawURL string, err error)
	GetHeaders(contexts []domain.NetworkContext) http.Header
	GetReferralURL(rawURL, fallback string) string
}

// ChallengeSolver tente une seule fois de franchir une page de challenge (Cloudflare).
type ChallengeSolver interface {
	Solve(ctx context.Context, req *http.Request, resp *http.Response) error
}

type GalleryURLGenerator interface {
	Name() string
	// GalleryURLs renvoie la ou les premières pages pour une query.
	GalleryURLs(query string) ([]string, error)
	// NextPageURL renvoie "" quand le générateur ne sait pas paginer.
	NextPageURL(pageURL string) string
}

type GalleryGenerators interface {
	Get(name string) (GalleryURLGenerator, bool)
	Names() []string
}

type DiscoveredFile struct {
	URL        string
	SourceTime time.Time
}

type GalleryPage struct {
	Files    []DiscoveredFile
	NextURLs []string
}

type GalleryParser interface {
	Parse(pageURL string, contentType string, body []byte) (GalleryPage, error)
}

type ImportResult struct {
	Status domain.SeedStatus
	Hash   string
	Note   string
	Size   int64
}

// FileImporter transforme les octets téléchargés en fichier stocké.
type FileImporter interface {
	Import(ctx context.Context, seed *domain.FileSeed, opts domain.ImportOptions, r io.Reader) (ImportResult, error)
}
