package records

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// Checker est stocké en secondes dans toutes les versions.
type Checker struct {
	IntendedFilesPerCheck int   `json:"intended_files_per_check"`
	NeverFasterThanSec    int64 `json:"never_faster_than"`
	NeverSlowerThanSec    int64 `json:"never_slower_than"`
	DeathFiles            int   `json:"death_files"`
	DeathPeriodSec        int64 `json:"death_period"`
}

// v1: booléen "dead", pas de check-now ni de délai.
type QueryV1 struct {
	QueryText string    `json:"query_text"`
	Paused    bool      `json:"paused"`
	Dead      bool      `json:"dead"`
	LastCheck time.Time `json:"last_check"`
	NextCheck time.Time `json:"next_check"`
}

type SubscriptionV1 struct {
	Name              string    `json:"name"`
	Generator         string    `json:"generator"`
	Queries           []QueryV1 `json:"queries"`
	Checker           Checker   `json:"checker"`
	InitialFileLimit  int       `json:"initial_file_limit"`
	PeriodicFileLimit int       `json:"periodic_file_limit"`
	Paused            bool      `json:"paused"`
	Created           time.Time `json:"created"`
	Updated           time.Time `json:"updated"`
}

type QueryV2 struct {
	QueryText     string    `json:"query_text"`
	DisplayName   string    `json:"display_name,omitempty"`
	Paused        bool      `json:"paused"`
	CheckNow      bool      `json:"check_now"`
	CheckerStatus string    `json:"checker_status"`
	LastCheck     time.Time `json:"last_check"`
	NextCheck     time.Time `json:"next_check"`
}

type SubscriptionV2 struct {
	Name              string    `json:"name"`
	Generator         string    `json:"generator"`
	Queries           []QueryV2 `json:"queries"`
	Checker           Checker   `json:"checker"`
	InitialFileLimit  int       `json:"initial_file_limit"`
	PeriodicFileLimit int       `json:"periodic_file_limit"`
	Paused            bool      `json:"paused"`
	NoWorkUntil       time.Time `json:"no_work_until"`
	NoWorkUntilReason string    `json:"no_work_until_reason,omitempty"`
	Created           time.Time `json:"created"`
	Updated           time.Time `json:"updated"`
}

type QueryV3 struct {
	QueryText     string    `json:"query_text"`
	DisplayName   string    `json:"display_name,omitempty"`
	Paused        bool      `json:"paused"`
	CheckNow      bool      `json:"check_now"`
	CheckerStatus string    `json:"checker_status"`
	LastCheck     time.Time `json:"last_check"`
	NextCheck     time.Time `json:"next_check"`
	ContainerName string    `json:"container_name"`
	FileSummary   string    `json:"file_summary,omitempty"`
	HasFileWork   bool      `json:"has_file_work"`
	ExampleURL    string    `json:"example_url,omitempty"`
	LastFileTime  time.Time `json:"last_file_time"`
}

type ImportOptionsV3 struct {
	MinSize      int64    `json:"min_size,omitempty"`
	MaxSize      int64    `json:"max_size,omitempty"`
	AllowedMIMEs []string `json:"allowed_mimes,omitempty"`
}

type SubscriptionV3 struct {
	Name              string          `json:"name"`
	Generator         string          `json:"generator"`
	Queries           []QueryV3       `json:"queries"`
	Checker           Checker         `json:"checker"`
	InitialFileLimit  int             `json:"initial_file_limit"`
	PeriodicFileLimit int             `json:"periodic_file_limit"`
	Paused            bool            `json:"paused"`
	NoWorkUntil       time.Time       `json:"no_work_until"`
	NoWorkUntilReason string          `json:"no_work_until_reason,omitempty"`
	FileImportOptions string          `json:"file_import_options,omitempty"`
	TagImportOptions  string          `json:"tag_import_options,omitempty"`
	Import            ImportOptionsV3 `json:"import"`
	QueryOrder        string          `json:"query_order,omitempty"`
	Created           time.Time       `json:"created"`
	Updated           time.Time       `json:"updated"`
}

// UpgradeSubscriptionV1 remplace "dead" par un statut de checker.
func UpgradeSubscriptionV1(in SubscriptionV1) SubscriptionV2 {
	out := SubscriptionV2{
		Name:              in.Name,
		Generator:         in.Generator,
		Checker:           in.Checker,
		InitialFileLimit:  in.InitialFileLimit,
		PeriodicFileLimit: in.PeriodicFileLimit,
		Paused:            in.Paused,
		Created:           in.Created,
		Updated:           in.Updated,
	}
	for _, q := range in.Queries {
		status := string(domain.CheckerOK)
		if q.Dead {
			status = string(domain.CheckerDead)
		}
		out.Queries = append(out.Queries, QueryV2{
			QueryText:     q.QueryText,
			Paused:        q.Paused,
			CheckerStatus: status,
			LastCheck:     q.LastCheck,
			NextCheck:     q.NextCheck,
		})
	}
	return out
}

// LegacyContainerName est la clé implicite des ledgers avant la v3.
func LegacyContainerName(subscription, query string) string {
	return "legacy_" + hex.EncodeToString([]byte(subscription+"\x00"+query))
}

// UpgradeSubscriptionV2 nomme explicitement les containers et ajoute l'ordre des queries.
// Les caches (résumé, exemple) restent vides jusqu'au prochain sync.
func UpgradeSubscriptionV2(in SubscriptionV2) SubscriptionV3 {
	out := SubscriptionV3{
		Name:              in.Name,
		Generator:         in.Generator,
		Checker:           in.Checker,
		InitialFileLimit:  in.InitialFileLimit,
		PeriodicFileLimit: in.PeriodicFileLimit,
		Paused:            in.Paused,
		NoWorkUntil:       in.NoWorkUntil,
		NoWorkUntilReason: in.NoWorkUntilReason,
		Created:           in.Created,
		Updated:           in.Updated,
	}
	for _, q := range in.Queries {
		out.Queries = append(out.Queries, QueryV3{
			QueryText:     q.QueryText,
			DisplayName:   q.DisplayName,
			Paused:        q.Paused,
			CheckNow:      q.CheckNow,
			CheckerStatus: q.CheckerStatus,
			LastCheck:     q.LastCheck,
			NextCheck:     q.NextCheck,
			ContainerName: LegacyContainerName(in.Name, q.QueryText),
			// Sans cache on suppose du travail possible: le runner vérifiera.
			HasFileWork: true,
		})
	}
	return out
}

func EncodeSubscription(s domain.Subscription) ([]byte, error) {
	return wrap(SubscriptionVersion, subscriptionToV3(s))
}

// DecodeSubscription lit n'importe quelle version connue et la remonte jusqu'à la courante.
func DecodeSubscription(raw []byte) (domain.Subscription, error) {
	e, err := unwrap(raw, SubscriptionVersion)
	if err != nil {
		return domain.Subscription{}, err
	}
	var v3 SubscriptionV3
	switch e.Version {
	case 1:
		var v1 SubscriptionV1
		if err := json.Unmarshal(e.Data, &v1); err != nil {
			return domain.Subscription{}, fmt.Errorf("decode subscription v1: %w", err)
		}
		v3 = UpgradeSubscriptionV2(UpgradeSubscriptionV1(v1))
	case 2:
		var v2 SubscriptionV2
		if err := json.Unmarshal(e.Data, &v2); err != nil {
			return domain.Subscription{}, fmt.Errorf("decode subscription v2: %w", err)
		}
		v3 = UpgradeSubscriptionV2(v2)
	case 3:
		if err := json.Unmarshal(e.Data, &v3); err != nil {
			return domain.Subscription{}, fmt.Errorf("decode subscription v3: %w", err)
		}
	}
	return subscriptionFromV3(v3), nil
}

func checkerToRecord(c domain.CheckerOptions) Checker {
	return Checker{
		IntendedFilesPerCheck: c.IntendedFilesPerCheck,
		NeverFasterThanSec:    int64(c.NeverFasterThan / time.Second),
		NeverSlowerThanSec:    int64(c.NeverSlowerThan / time.Second),
		DeathFiles:            c.Death.Files,
		DeathPeriodSec:        int64(c.Death.Period / time.Second),
	}
}

func checkerFromRecord(c Checker) domain.CheckerOptions {
	if c.IntendedFilesPerCheck == 0 && c.NeverFasterThanSec == 0 && c.NeverSlowerThanSec == 0 {
		return domain.DefaultCheckerOptions()
	}
	return domain.CheckerOptions{
		IntendedFilesPerCheck: c.IntendedFilesPerCheck,
		NeverFasterThan:       time.Duration(c.NeverFasterThanSec) * time.Second,
		NeverSlowerThan:       time.Duration(c.NeverSlowerThanSec) * time.Second,
		Death:                 domain.DeathVelocity{Files: c.DeathFiles, Period: time.Duration(c.DeathPeriodSec) * time.Second},
	}
}

func subscriptionToV3(s domain.Subscription) SubscriptionV3 {
	out := SubscriptionV3{
		Name:              s.Name,
		Generator:         s.GeneratorKey,
		Checker:           checkerToRecord(s.Checker),
		InitialFileLimit:  s.InitialFileLimit,
		PeriodicFileLimit: s.PeriodicFileLimit,
		Paused:            s.Paused,
		NoWorkUntil:       s.NoWorkUntil,
		NoWorkUntilReason: s.NoWorkUntilReason,
		FileImportOptions: s.FileImportOptions,
		TagImportOptions:  s.TagImportOptions,
		Import: ImportOptionsV3{
			MinSize:      s.Import.MinSize,
			MaxSize:      s.Import.MaxSize,
			AllowedMIMEs: s.Import.AllowedMIMEs,
		},
		QueryOrder: string(s.QueryOrder),
		Created:    s.CreatedAt,
		Updated:    s.UpdatedAt,
	}
	for _, q := range s.Queries {
		out.Queries = append(out.Queries, QueryV3{
			QueryText:     q.QueryText,
			DisplayName:   q.DisplayName,
			Paused:        q.Paused,
			CheckNow:      q.CheckNow,
			CheckerStatus: string(q.CheckerStatus),
			LastCheck:     q.LastCheckTime,
			NextCheck:     q.NextCheckTime,
			ContainerName: q.ContainerName,
			FileSummary:   q.FileSummary,
			HasFileWork:   q.HasFileWork,
			ExampleURL:    q.ExampleURL,
			LastFileTime:  q.LastFileTime,
		})
	}
	return out
}

func subscriptionFromV3(in SubscriptionV3) domain.Subscription {
	out := domain.Subscription{
		Name:              in.Name,
		GeneratorKey:      in.Generator,
		Checker:           checkerFromRecord(in.Checker),
		InitialFileLimit:  in.InitialFileLimit,
		PeriodicFileLimit: in.PeriodicFileLimit,
		Paused:            in.Paused,
		NoWorkUntil:       in.NoWorkUntil,
		NoWorkUntilReason: in.NoWorkUntilReason,
		FileImportOptions: in.FileImportOptions,
		TagImportOptions:  in.TagImportOptions,
		Import: domain.ImportOptions{
			MinSize:      in.Import.MinSize,
			MaxSize:      in.Import.MaxSize,
			AllowedMIMEs: in.Import.AllowedMIMEs,
		},
		QueryOrder: domain.QueryOrder(in.QueryOrder),
		CreatedAt:  in.Created,
		UpdatedAt:  in.Updated,
	}
	for _, q := range in.Queries {
		status := domain.CheckerStatus(q.CheckerStatus)
		if status != domain.CheckerDead {
			status = domain.CheckerOK
		}
		out.Queries = append(out.Queries, domain.SubscriptionQueryHeader{
			QueryText:     q.QueryText,
			DisplayName:   q.DisplayName,
			Paused:        q.Paused,
			CheckNow:      q.CheckNow,
			LastCheckTime: q.LastCheck,
			NextCheckTime: q.NextCheck,
			CheckerStatus: status,
			FileSummary:   q.FileSummary,
			HasFileWork:   q.HasFileWork,
			ExampleURL:    q.ExampleURL,
			LastFileTime:  q.LastFileTime,
			ContainerName: q.ContainerName,
		})
	}
	return out
}
