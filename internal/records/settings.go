package records

import (
	"encoding/json"
	"fmt"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// v1: le JSON brut de l'API, sans enveloppe ni ordre des queries.
type SettingsV1 struct {
	PauseSubscriptions               bool `json:"pauseSubscriptions"`
	MaxSimultaneousSubscriptions     int  `json:"maxSimultaneousSubscriptions"`
	MaxConcurrentConnections         int  `json:"maxConcurrentConnections"`
	DefaultInitialFileLimit          int  `json:"defaultInitialFileLimit"`
	DefaultPeriodicFileLimit         int  `json:"defaultPeriodicFileLimit"`
	NetworkTimeoutSeconds            int  `json:"networkTimeoutSeconds"`
	ConnectionErrorWaitSeconds       int  `json:"connectionErrorWaitSeconds"`
	ServersideBandwidthWaitSeconds   int  `json:"serversideBandwidthWaitSeconds"`
	SubscriptionNetworkErrorDelaySec int  `json:"subscriptionNetworkErrorDelaySeconds"`
	LoginRetryDelaySeconds           int  `json:"loginRetryDelaySeconds"`
	ConsecutiveErrorThreshold        int  `json:"consecutiveErrorThreshold"`
}

type SettingsV2 struct {
	PauseSubscriptions         bool   `json:"pause_subscriptions"`
	MaxSimultaneous            int    `json:"max_simultaneous_subscriptions"`
	MaxConnections             int    `json:"max_concurrent_connections"`
	InitialFileLimit           int    `json:"initial_file_limit"`
	PeriodicFileLimit          int    `json:"periodic_file_limit"`
	NetworkTimeoutSec          int    `json:"network_timeout"`
	ConnectionErrorWaitSec     int    `json:"connection_error_wait"`
	ServersideBandwidthWaitSec int    `json:"serverside_bandwidth_wait"`
	NetworkErrorDelaySec       int    `json:"subscription_network_error_delay"`
	LoginRetryDelaySec         int    `json:"login_retry_delay"`
	ConsecutiveErrorThreshold  int    `json:"consecutive_error_threshold"`
	QueryOrder                 string `json:"query_order"`
}

// UpgradeSettingsV1 ajoute l'ordre des queries, alphabétique comme avant.
func UpgradeSettingsV1(in SettingsV1) SettingsV2 {
	return SettingsV2{
		PauseSubscriptions:         in.PauseSubscriptions,
		MaxSimultaneous:            in.MaxSimultaneousSubscriptions,
		MaxConnections:             in.MaxConcurrentConnections,
		InitialFileLimit:           in.DefaultInitialFileLimit,
		PeriodicFileLimit:          in.DefaultPeriodicFileLimit,
		NetworkTimeoutSec:          in.NetworkTimeoutSeconds,
		ConnectionErrorWaitSec:     in.ConnectionErrorWaitSeconds,
		ServersideBandwidthWaitSec: in.ServersideBandwidthWaitSeconds,
		NetworkErrorDelaySec:       in.SubscriptionNetworkErrorDelaySec,
		LoginRetryDelaySec:         in.LoginRetryDelaySeconds,
		ConsecutiveErrorThreshold:  in.ConsecutiveErrorThreshold,
		QueryOrder:                 string(domain.QueryOrderAlphabetical),
	}
}

func EncodeSettings(s domain.Settings) ([]byte, error) {
	return wrap(SettingsVersion, SettingsV2{
		PauseSubscriptions:         s.PauseSubscriptions,
		MaxSimultaneous:            s.MaxSimultaneousSubscriptions,
		MaxConnections:             s.MaxConcurrentConnections,
		InitialFileLimit:           s.DefaultInitialFileLimit,
		PeriodicFileLimit:          s.DefaultPeriodicFileLimit,
		NetworkTimeoutSec:          s.NetworkTimeoutSeconds,
		ConnectionErrorWaitSec:     s.ConnectionErrorWaitSeconds,
		ServersideBandwidthWaitSec: s.ServersideBandwidthWaitSeconds,
		NetworkErrorDelaySec:       s.SubscriptionNetworkErrorDelaySec,
		LoginRetryDelaySec:         s.LoginRetryDelaySeconds,
		ConsecutiveErrorThreshold:  s.ConsecutiveErrorThreshold,
		QueryOrder:                 string(s.QueryOrder),
	})
}

// DecodeSettings accepte aussi le JSON brut écrit avant l'enveloppe (v1).
// Les champs manquants reprennent les valeurs par défaut.
func DecodeSettings(raw []byte) (domain.Settings, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.Settings{}, fmt.Errorf("parse settings: %w", err)
	}

	var v2 SettingsV2
	if probe.Version == nil {
		var v1 SettingsV1
		if err := json.Unmarshal(raw, &v1); err != nil {
			return domain.Settings{}, fmt.Errorf("decode settings v1: %w", err)
		}
		v2 = UpgradeSettingsV1(v1)
	} else {
		e, err := unwrap(raw, SettingsVersion)
		if err != nil {
			return domain.Settings{}, err
		}
		switch e.Version {
		case 1:
			var v1 SettingsV1
			if err := json.Unmarshal(e.Data, &v1); err != nil {
				return domain.Settings{}, fmt.Errorf("decode settings v1: %w", err)
			}
			v2 = UpgradeSettingsV1(v1)
		case 2:
			if err := json.Unmarshal(e.Data, &v2); err != nil {
				return domain.Settings{}, fmt.Errorf("decode settings v2: %w", err)
			}
		}
	}

	return domain.Settings{
		PauseSubscriptions:               v2.PauseSubscriptions,
		MaxSimultaneousSubscriptions:     v2.MaxSimultaneous,
		MaxConcurrentConnections:         v2.MaxConnections,
		DefaultInitialFileLimit:          v2.InitialFileLimit,
		DefaultPeriodicFileLimit:         v2.PeriodicFileLimit,
		NetworkTimeoutSeconds:            v2.NetworkTimeoutSec,
		ConnectionErrorWaitSeconds:       v2.ConnectionErrorWaitSec,
		ServersideBandwidthWaitSeconds:   v2.ServersideBandwidthWaitSec,
		SubscriptionNetworkErrorDelaySec: v2.NetworkErrorDelaySec,
		LoginRetryDelaySeconds:           v2.LoginRetryDelaySec,
		ConsecutiveErrorThreshold:        v2.ConsecutiveErrorThreshold,
		QueryOrder:                       domain.QueryOrder(v2.QueryOrder),
	}.Normalize(), nil
}
