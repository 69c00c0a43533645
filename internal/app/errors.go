package app

import (
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

var (
	ErrNotFound = ports.ErrNotFound
	ErrConflict = ports.ErrConflict
	ErrBusy     = ports.ErrBusy
)

// Codes stables des erreurs d'abonnement, repris dans les événements.
const (
	CodeLoginFailed     = "login_failed"
	CodeDomainUnhealthy = "domain_unhealthy"
	CodeTooManyErrors   = "too_many_errors"
	CodeBandwidth       = "bandwidth"
	CodeNetwork         = "network"
	CodeUnexpected      = "unexpected"
	CodeInvalid         = "invalid_params"
)

// CodedError porte un code stable en plus du message lisible.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

func coded(code, msg string, err error) *CodedError {
	return &CodedError{Code: code, Message: msg, Err: err}
}
