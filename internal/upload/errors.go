package upload

import (
	"errors"
	"fmt"
)

// Reason classifies why an upload failed
type Reason string

const (
	ReasonStage   Reason = "stage"   // the staging file could not be written
	ReasonNetwork Reason = "network" // the endpoint could not be reached
	ReasonAuth    Reason = "auth"    // credentials were rejected or unavailable
	ReasonRemote  Reason = "remote"  // the endpoint refused or failed the transfer
)

// Transferers wrap their failures in one of these so the manager can decide
// whether to retry. Anything else is treated as a network failure.
var (
	// ErrAuth means the endpoint rejected the credentials; never retried
	ErrAuth = errors.New("authentication rejected")
	// ErrRejected means the endpoint permanently refused the file
	ErrRejected = errors.New("transfer rejected")
	// ErrUnavailable means the endpoint failed temporarily; retried
	ErrUnavailable = errors.New("endpoint unavailable")
	// ErrUnknownArtifact means Resend was asked for an artifact the journal
	// has never seen
	ErrUnknownArtifact = errors.New("unknown artifact")
)

// TransferError is returned by Manager.Upload when an artifact could not be
// delivered. The staged file (if any) is retained at Path.
type TransferError struct {
	ArtifactID string
	Path       string
	Reason     Reason
	Attempts   int
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload %s failed (%s) after %d attempts: %v", e.ArtifactID, e.Reason, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// classify maps a transfer error to its failure reason
func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrAuth):
		return ReasonAuth
	case errors.Is(err, ErrRejected), errors.Is(err, ErrUnavailable):
		return ReasonRemote
	default:
		return ReasonNetwork
	}
}

// retryable reports whether another attempt could succeed
func retryable(err error) bool {
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrRejected)
}
