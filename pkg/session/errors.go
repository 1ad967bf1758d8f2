package session

import "fmt"

// Kind classifies a failed upstream call. The orchestrator's recovery
// behavior is driven entirely by this classification.
type Kind int

const (
	// KindTransient covers network errors, timeouts, unexpected non-2xx
	// statuses, and parse failures. Recovered by the next cadence tick.
	KindTransient Kind = iota
	// KindAuth means the current session token is no longer accepted.
	KindAuth
	// KindNoCredential means no token has been set. Not retryable by
	// waiting; only obtaining a token helps.
	KindNoCredential
	// KindNoOrganization means the organization list was empty or carried no
	// recognizable identifier.
	KindNoOrganization
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNoCredential:
		return "no_credential"
	case KindNoOrganization:
		return "no_organization"
	default:
		return "transient"
	}
}

// Error is the classified failure type returned by Client calls.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error. Anything that is not a
// *Error folds into KindTransient so unexpected transport failures can never
// stop the polling loop.
func KindOf(err error) Kind {
	if ce, ok := err.(*Error); ok {
		return ce.Kind
	}
	return KindTransient
}

// IsAuthFailure reports whether err means the session token was rejected.
func IsAuthFailure(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

func authErr(msg string) *Error {
	return &Error{Kind: KindAuth, Msg: msg}
}

func transientErr(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// ErrNoCredential is returned when a call is attempted before any token has
// been set. No network request is made.
var ErrNoCredential = &Error{Kind: KindNoCredential, Msg: "no session token set"}

// ErrNoOrganization is returned when the organization list is empty or its
// first entry has no identifier field.
var ErrNoOrganization = &Error{Kind: KindNoOrganization, Msg: "no organization found for account"}
