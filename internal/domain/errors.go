package domain

import "errors"

// Kind is a machine-checkable error category returned to callers.
type Kind string

// Error kinds.
const (
	KindValidation          Kind = "validation_failed"
	KindNotInTeam           Kind = "not_in_team"
	KindTeamBanned          Kind = "team_banned"
	KindChallengeNotFound   Kind = "challenge_not_found"
	KindRuntimeUnavailable  Kind = "runtime_unavailable"
	KindProvisioningFailed  Kind = "provisioning_failed"
	KindProvisioningTimeout Kind = "provisioning_timeout"
	KindNoActiveLease       Kind = "no_active_lease"
	KindRuntimeStopFailed   Kind = "runtime_stop_failed"
	KindStorage             Kind = "storage_failure"
)

// Error is a structured failure with a kind and a message safe to show to
// non-administrative callers. Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels such as
// ErrProvisioningTimeout work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotInTeam           = &Error{Kind: KindNotInTeam}
	ErrTeamBanned          = &Error{Kind: KindTeamBanned}
	ErrChallengeNotFound   = &Error{Kind: KindChallengeNotFound}
	ErrRuntimeUnavailable  = &Error{Kind: KindRuntimeUnavailable}
	ErrProvisioningFailed  = &Error{Kind: KindProvisioningFailed}
	ErrProvisioningTimeout = &Error{Kind: KindProvisioningTimeout}
	ErrNoActiveLease       = &Error{Kind: KindNoActiveLease}
	ErrRuntimeStopFailed   = &Error{Kind: KindRuntimeStopFailed}
	ErrStorage             = &Error{Kind: KindStorage}
)

// NewError builds an *Error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
