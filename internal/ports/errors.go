package ports

import "errors"

var ErrNotFound = errors.New("not found")

var ErrConflict = errors.New("conflict")

// ErrBusy: la ressource est en cours d'utilisation (abonnement qui tourne).
var ErrBusy = errors.New("busy")
