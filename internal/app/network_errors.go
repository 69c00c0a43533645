package app

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrJobCancelled est renvoyé quand un NetworkJob est annulé. Ce n'est pas un échec.
var ErrJobCancelled = errors.New("network job cancelled")

type NetworkErrorKind string

const (
	// Classe "réseau": l'abonnement entier est retardé, le seed reste à refaire.
	KindConnection     NetworkErrorKind = "connection"
	KindTruncated      NetworkErrorKind = "truncated"
	KindBandwidth      NetworkErrorKind = "bandwidth"
	KindInfrastructure NetworkErrorKind = "infrastructure"

	// Erreurs dures: enregistrées sur le seed, jamais réessayées.
	KindHTTP       NetworkErrorKind = "http_status"
	KindServer     NetworkErrorKind = "server_error"
	KindTooLarge   NetworkErrorKind = "too_large"
	KindRange      NetworkErrorKind = "range_mismatch"
	KindLength     NetworkErrorKind = "length_mismatch"
	KindCloudflare NetworkErrorKind = "cloudflare_unsolvable"
	KindRequest    NetworkErrorKind = "bad_request"
)

// NetworkError classe l'échec d'un NetworkJob.
type NetworkError struct {
	Kind    NetworkErrorKind
	Status  int
	URL     string
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d %s)", msg, e.Status, http.StatusText(e.Status))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkClass: erreur transitoire qui retarde l'abonnement plutôt que d'échouer le seed.
func (e *NetworkError) IsNetworkClass() bool {
	switch e.Kind {
	case KindConnection, KindTruncated, KindBandwidth, KindInfrastructure:
		return true
	default:
		return false
	}
}

func IsNetworkClass(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.IsNetworkClass()
	}
	return false
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrJobCancelled)
}

func AsNetworkError(err error) (*NetworkError, bool) {
	var ne *NetworkError
	ok := errors.As(err, &ne)
	return ne, ok
}

// statusTrack range un code HTTP dans sa piste de reprise.
type statusTrack int

const (
	trackOK statusTrack = iota
	trackOverload
	trackInfrastructure
	trackHard
	trackServer
)

func classifyStatus(code int) statusTrack {
	switch {
	case code >= 200 && code < 300:
		return trackOK
	case code == http.StatusTooManyRequests, code == 509, code == http.StatusServiceUnavailable:
		return trackOverload
	case code == http.StatusBadGateway, code == http.StatusGatewayTimeout:
		return trackInfrastructure
	case code >= 500:
		return trackServer
	default:
		// 400/401/403/404/409/416/426 et le reste des 4xx/3xx non suivis.
		return trackHard
	}
}
