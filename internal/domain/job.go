package domain

import (
	"errors"
	"time"
)

type JobState string

const (
	JobInitialising            JobState = "initialising"
	JobSendingRequest          JobState = "sending-request"
	JobDownloading             JobState = "downloading"
	JobWaitingOnBandwidth      JobState = "waiting-on-bandwidth"
	JobWaitingOnConnectionErr  JobState = "waiting-on-connection-error"
	JobWaitingOnServerOverload JobState = "waiting-on-serverside-bandwidth"
	JobDone                    JobState = "done"
	JobError                   JobState = "error"
	JobCancelled               JobState = "cancelled"
)

func (s JobState) IsTerminal() bool {
	return s == JobDone || s == JobError || s == JobCancelled
}

func (s JobState) IsWaiting() bool {
	return s == JobWaitingOnBandwidth || s == JobWaitingOnConnectionErr || s == JobWaitingOnServerOverload
}

// JobSnapshot est la vue en lecture seule d'un NetworkJob, pour le polling.
type JobSnapshot struct {
	ID            string    `json:"id"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	Subscription  string    `json:"subscription,omitempty"`
	State         JobState  `json:"state"`
	StatusText    string    `json:"statusText"`
	BytesRead     int64     `json:"bytesRead"`
	BytesExpected int64     `json:"bytesExpected"`
	Attempts      int       `json:"attempts"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

var ErrInvalidTransition = errors.New("invalid job state transition")

// CanTransition: les attentes sont des ré-entrées dans sending-request.
func CanTransition(from, to JobState) bool {
	if from == to {
		return true
	}
	if to == JobError || to == JobCancelled {
		return !from.IsTerminal()
	}
	switch from {
	case JobInitialising:
		return to == JobSendingRequest || to.IsWaiting()
	case JobSendingRequest:
		return to == JobDownloading || to.IsWaiting() || to == JobDone
	case JobDownloading:
		// more-to-download: retour à sending-request pour la plage suivante.
		return to == JobDone || to == JobSendingRequest || to.IsWaiting()
	case JobWaitingOnBandwidth, JobWaitingOnConnectionErr, JobWaitingOnServerOverload:
		return to == JobSendingRequest || to.IsWaiting()
	default:
		return false
	}
}
