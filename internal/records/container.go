package records

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

type GallerySeedRecord struct {
	URL             string    `json:"url"`
	CanGenerateMore bool      `json:"can_generate_more"`
	Referral        string    `json:"referral,omitempty"`
	Status          string    `json:"status"`
	Note            string    `json:"note,omitempty"`
	Created         time.Time `json:"created"`
	Modified        time.Time `json:"modified"`
}

// v1: un file seed est toujours identifié par son URL.
type FileSeedV1 struct {
	URL        string    `json:"url"`
	Referral   string    `json:"referral,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	SourceTime time.Time `json:"source_time"`
	Status     string    `json:"status"`
	Note       string    `json:"note,omitempty"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}

type ContainerV1 struct {
	Name         string              `json:"name"`
	GallerySeeds []GallerySeedRecord `json:"gallery_seeds"`
	FileSeeds    []FileSeedV1        `json:"file_seeds"`
}

type FileSeedV2 struct {
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	URL        string    `json:"url,omitempty"`
	Referral   string    `json:"referral,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	SourceTime time.Time `json:"source_time"`
	Status     string    `json:"status"`
	Note       string    `json:"note,omitempty"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}

type CompactedV2 struct {
	Successes        int       `json:"successes"`
	LatestSourceTime time.Time `json:"latest_source_time"`
}

type ContainerV2 struct {
	Name         string              `json:"name"`
	GallerySeeds []GallerySeedRecord `json:"gallery_seeds"`
	FileSeeds    []FileSeedV2        `json:"file_seeds"`
	Compacted    CompactedV2         `json:"compacted"`
}

// UpgradeContainerV1 sépare clé et type: une entrée sans URL mais avec hash devient un seed "hash".
func UpgradeContainerV1(in ContainerV1) ContainerV2 {
	out := ContainerV2{Name: in.Name, GallerySeeds: in.GallerySeeds}
	for _, f := range in.FileSeeds {
		s := FileSeedV2{
			Kind:       string(domain.FileSeedURL),
			Key:        f.URL,
			URL:        f.URL,
			Referral:   f.Referral,
			Hash:       f.Hash,
			SourceTime: f.SourceTime,
			Status:     f.Status,
			Note:       f.Note,
			Created:    f.Created,
			Modified:   f.Modified,
		}
		if f.URL == "" && f.Hash != "" {
			s.Kind = string(domain.FileSeedHash)
			s.Key = f.Hash
		}
		out.FileSeeds = append(out.FileSeeds, s)
	}
	return out
}

func EncodeContainer(c *domain.QueryLogContainer) ([]byte, error) {
	return wrap(ContainerVersion, containerToV2(c))
}

func DecodeContainer(raw []byte) (*domain.QueryLogContainer, error) {
	e, err := unwrap(raw, ContainerVersion)
	if err != nil {
		return nil, err
	}
	var v2 ContainerV2
	switch e.Version {
	case 1:
		var v1 ContainerV1
		if err := json.Unmarshal(e.Data, &v1); err != nil {
			return nil, fmt.Errorf("decode container v1: %w", err)
		}
		v2 = UpgradeContainerV1(v1)
	case 2:
		if err := json.Unmarshal(e.Data, &v2); err != nil {
			return nil, fmt.Errorf("decode container v2: %w", err)
		}
	}
	return containerFromV2(v2), nil
}

func seedStatus(s string) domain.SeedStatus {
	st := domain.SeedStatus(s)
	if !st.Valid() {
		return domain.SeedUnknown
	}
	return st
}

func containerToV2(c *domain.QueryLogContainer) ContainerV2 {
	out := ContainerV2{Name: c.Name}
	for _, g := range c.GallerySeeds.Seeds() {
		out.GallerySeeds = append(out.GallerySeeds, GallerySeedRecord{
			URL:             g.URL,
			CanGenerateMore: g.CanGenerateMore,
			Referral:        g.ReferralURL,
			Status:          string(g.Status),
			Note:            g.Note,
			Created:         g.Created,
			Modified:        g.Modified,
		})
	}
	for _, f := range c.FileSeeds.Seeds() {
		out.FileSeeds = append(out.FileSeeds, FileSeedV2{
			Kind:       string(f.Kind),
			Key:        f.Key,
			URL:        f.URL,
			Referral:   f.ReferralURL,
			Hash:       f.Hash,
			SourceTime: f.SourceTime,
			Status:     string(f.Status),
			Note:       f.Note,
			Created:    f.Created,
			Modified:   f.Modified,
		})
	}
	cs := c.FileSeeds.Compacted()
	out.Compacted = CompactedV2{Successes: cs.Successes, LatestSourceTime: cs.LatestSourceTime}
	return out
}

func containerFromV2(in ContainerV2) *domain.QueryLogContainer {
	gallery := make([]*domain.GallerySeed, 0, len(in.GallerySeeds))
	for _, g := range in.GallerySeeds {
		gallery = append(gallery, &domain.GallerySeed{
			SeedState: domain.SeedState{
				Status:   seedStatus(g.Status),
				Note:     g.Note,
				Created:  g.Created,
				Modified: g.Modified,
			},
			URL:             g.URL,
			CanGenerateMore: g.CanGenerateMore,
			ReferralURL:     g.Referral,
		})
	}
	files := make([]*domain.FileSeed, 0, len(in.FileSeeds))
	for _, f := range in.FileSeeds {
		kind := domain.FileSeedKind(f.Kind)
		if kind != domain.FileSeedHash {
			kind = domain.FileSeedURL
		}
		files = append(files, &domain.FileSeed{
			SeedState: domain.SeedState{
				Status:   seedStatus(f.Status),
				Note:     f.Note,
				Created:  f.Created,
				Modified: f.Modified,
			},
			Kind:        kind,
			Key:         f.Key,
			URL:         f.URL,
			ReferralURL: f.Referral,
			Hash:        f.Hash,
			SourceTime:  f.SourceTime,
		})
	}
	return &domain.QueryLogContainer{
		Name:         in.Name,
		GallerySeeds: domain.RestoreGallerySeedLog(gallery),
		FileSeeds: domain.RestoreFileSeedCache(files, domain.CompactedStats{
			Successes:        in.Compacted.Successes,
			LatestSourceTime: in.Compacted.LatestSourceTime,
		}),
	}
}
