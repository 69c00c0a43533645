package domain

import (
	"errors"
	"strings"
	"time"
)

type SeedStatus string

const (
	SeedUnknown SeedStatus = "unknown"
	SeedSuccess SeedStatus = "success"
	SeedError   SeedStatus = "error"
	SeedVetoed  SeedStatus = "vetoed"
)

func (s SeedStatus) IsTerminal() bool {
	return s == SeedSuccess || s == SeedError || s == SeedVetoed
}

func (s SeedStatus) Valid() bool {
	switch s {
	case SeedUnknown, SeedSuccess, SeedError, SeedVetoed:
		return true
	default:
		return false
	}
}

var ErrSeedNotFound = errors.New("seed not found")

// SeedState est la partie commune aux seeds de fichiers et de galeries.
type SeedState struct {
	Status   SeedStatus `json:"status"`
	Note     string     `json:"note,omitempty"`
	Created  time.Time  `json:"created"`
	Modified time.Time  `json:"modified"`
}

func (s *SeedState) set(status SeedStatus, note string, now time.Time) {
	s.Status = status
	s.Note = note
	s.Modified = now
}

type FileSeedKind string

const (
	FileSeedURL  FileSeedKind = "url"
	FileSeedHash FileSeedKind = "hash"
)

// FileSeed is one discovered file reference awaiting download.
type FileSeed struct {
	SeedState

	Kind        FileSeedKind `json:"kind"`
	Key         string       `json:"key"`
	URL         string       `json:"url,omitempty"`
	ReferralURL string       `json:"referralUrl,omitempty"`
	// Hash est connu une fois l'import terminé (sha256 hex).
	Hash       string    `json:"hash,omitempty"`
	SourceTime time.Time `json:"sourceTime,omitempty"`
}

func NewURLFileSeed(rawURL, referral string, sourceTime, now time.Time) *FileSeed {
	u := strings.TrimSpace(rawURL)
	return &FileSeed{
		SeedState:   SeedState{Status: SeedUnknown, Created: now, Modified: now},
		Kind:        FileSeedURL,
		Key:         u,
		URL:         u,
		ReferralURL: referral,
		SourceTime:  sourceTime,
	}
}

func NewHashFileSeed(hash string, now time.Time) *FileSeed {
	h := strings.ToLower(strings.TrimSpace(hash))
	return &FileSeed{
		SeedState: SeedState{Status: SeedUnknown, Created: now, Modified: now},
		Kind:      FileSeedHash,
		Key:       h,
		Hash:      h,
	}
}

func (f *FileSeed) SeedKey() string       { return f.Key }
func (f *FileSeed) seedState() *SeedState { return &f.SeedState }

// SourceOrCreated est l'horodatage utilisé pour les calculs de vélocité.
func (f *FileSeed) SourceOrCreated() time.Time {
	if !f.SourceTime.IsZero() {
		return f.SourceTime
	}
	return f.Created
}

func (f *FileSeed) Clone() *FileSeed {
	c := *f
	return &c
}

// GallerySeed is one listing page awaiting a fetch.
type GallerySeed struct {
	SeedState

	URL             string `json:"url"`
	CanGenerateMore bool   `json:"canGenerateMore"`
	ReferralURL     string `json:"referralUrl,omitempty"`
}

func NewGallerySeed(rawURL string, canGenerateMore bool, now time.Time) *GallerySeed {
	return &GallerySeed{
		SeedState:       SeedState{Status: SeedUnknown, Created: now, Modified: now},
		URL:             rawURL,
		CanGenerateMore: canGenerateMore,
	}
}

func (g *GallerySeed) SeedKey() string       { return g.URL }
func (g *GallerySeed) seedState() *SeedState { return &g.SeedState }

func (g *GallerySeed) Clone() *GallerySeed {
	c := *g
	return &c
}
