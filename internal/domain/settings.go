package domain

import (
	"errors"
	"time"
)

type Settings struct {
	// Pause globale des abonnements (les jobs en cours finissent).
	PauseSubscriptions bool `json:"pauseSubscriptions"`

	// Concurrence.
	MaxSimultaneousSubscriptions int `json:"maxSimultaneousSubscriptions" validate:"min=1,max=64"`
	MaxConcurrentConnections     int `json:"maxConcurrentConnections" validate:"min=1,max=256"`

	// Limites de fichiers par défaut (0 = illimité).
	DefaultInitialFileLimit  int `json:"defaultInitialFileLimit" validate:"min=0"`
	DefaultPeriodicFileLimit int `json:"defaultPeriodicFileLimit" validate:"min=0"`

	// Réseau, en secondes pour rester lisible côté API.
	NetworkTimeoutSeconds            int `json:"networkTimeoutSeconds" validate:"min=1"`
	ConnectionErrorWaitSeconds       int `json:"connectionErrorWaitSeconds" validate:"min=1"`
	ServersideBandwidthWaitSeconds   int `json:"serversideBandwidthWaitSeconds" validate:"min=1"`
	SubscriptionNetworkErrorDelaySec int `json:"subscriptionNetworkErrorDelaySeconds" validate:"min=1"`
	LoginRetryDelaySeconds           int `json:"loginRetryDelaySeconds" validate:"min=1"`

	// Nombre d'erreurs de fichiers d'affilée avant d'abandonner le run.
	ConsecutiveErrorThreshold int `json:"consecutiveErrorThreshold" validate:"min=1"`

	QueryOrder QueryOrder `json:"queryOrder" validate:"oneof=alphabetical random"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxSimultaneousSubscriptions:     1,
		MaxConcurrentConnections:         8,
		DefaultInitialFileLimit:          100,
		DefaultPeriodicFileLimit:         100,
		NetworkTimeoutSeconds:            30,
		ConnectionErrorWaitSeconds:       10,
		ServersideBandwidthWaitSeconds:   60,
		SubscriptionNetworkErrorDelaySec: 12 * 3600,
		LoginRetryDelaySeconds:           3600,
		ConsecutiveErrorThreshold:        5,
		QueryOrder:                       QueryOrderAlphabetical,
	}
}

func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if s.MaxSimultaneousSubscriptions <= 0 {
		s.MaxSimultaneousSubscriptions = d.MaxSimultaneousSubscriptions
	}
	if s.MaxConcurrentConnections <= 0 {
		s.MaxConcurrentConnections = d.MaxConcurrentConnections
	}
	if s.NetworkTimeoutSeconds <= 0 {
		s.NetworkTimeoutSeconds = d.NetworkTimeoutSeconds
	}
	if s.ConnectionErrorWaitSeconds <= 0 {
		s.ConnectionErrorWaitSeconds = d.ConnectionErrorWaitSeconds
	}
	if s.ServersideBandwidthWaitSeconds <= 0 {
		s.ServersideBandwidthWaitSeconds = d.ServersideBandwidthWaitSeconds
	}
	if s.SubscriptionNetworkErrorDelaySec <= 0 {
		s.SubscriptionNetworkErrorDelaySec = d.SubscriptionNetworkErrorDelaySec
	}
	if s.LoginRetryDelaySeconds <= 0 {
		s.LoginRetryDelaySeconds = d.LoginRetryDelaySeconds
	}
	if s.ConsecutiveErrorThreshold <= 0 {
		s.ConsecutiveErrorThreshold = d.ConsecutiveErrorThreshold
	}
	if s.QueryOrder == "" {
		s.QueryOrder = d.QueryOrder
	}
	return s
}

func (s Settings) Validate() error {
	if s.QueryOrder != QueryOrderAlphabetical && s.QueryOrder != QueryOrderRandom {
		return errors.New("queryOrder must be alphabetical or random")
	}
	if s.DefaultInitialFileLimit < 0 || s.DefaultPeriodicFileLimit < 0 {
		return errors.New("file limits must be >= 0")
	}
	return nil
}

func (s Settings) NetworkTimeout() time.Duration {
	return time.Duration(s.NetworkTimeoutSeconds) * time.Second
}

func (s Settings) ConnectionErrorWait() time.Duration {
	return time.Duration(s.ConnectionErrorWaitSeconds) * time.Second
}

func (s Settings) ServersideBandwidthWait() time.Duration {
	return time.Duration(s.ServersideBandwidthWaitSeconds) * time.Second
}

func (s Settings) SubscriptionNetworkErrorDelay() time.Duration {
	return time.Duration(s.SubscriptionNetworkErrorDelaySec) * time.Second
}

func (s Settings) LoginRetryDelay() time.Duration {
	return time.Duration(s.LoginRetryDelaySeconds) * time.Second
}
