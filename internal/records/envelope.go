// Package records holds the persisted shapes of subscriptions, query log
// containers and settings, one Go type per schema version, and the pure
// functions that upgrade each version to the next.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedVersion: enregistrement écrit par une version plus récente.
var ErrUnsupportedVersion = errors.New("unsupported record version")

const (
	SubscriptionVersion = 3
	ContainerVersion    = 2
	SettingsVersion     = 2
)

type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func wrap(version int, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: version, Data: data})
}

func unwrap(raw []byte, current int) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("parse envelope: %w", err)
	}
	if e.Version < 1 {
		return e, fmt.Errorf("invalid version %d (must be >= 1)", e.Version)
	}
	if e.Version > current {
		return e, fmt.Errorf("%w %d (max supported: %d)", ErrUnsupportedVersion, e.Version, current)
	}
	return e, nil
}

// NeedsUpgrade indique si un enregistrement lu doit être réécrit.
func NeedsUpgrade(raw []byte, current int) bool {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	return e.Version < current
}
