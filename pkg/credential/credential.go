package credential

import (
	"context"
	"errors"
)

// Capture outcome errors. The orchestrator branches on these three
// conditions and treats everything else as a declined capture.
var (
	// ErrDeclined means the silent capture could not produce a token (no
	// existing authenticated context, or the attempt timed out).
	ErrDeclined = errors.New("credential capture declined")
	// ErrCancelled means the user dismissed the interactive capture surface.
	// Distinct from the service returning nothing.
	ErrCancelled = errors.New("credential capture cancelled")
	// ErrUnavailable means the capture surface itself cannot run (missing
	// platform dependency). Terminal until external remediation; callers
	// must not spin-retry it.
	ErrUnavailable = errors.New("credential capture unavailable")
)

// Source supplies session tokens. Implementations wrap whatever mechanism
// can mint one: an embedded browser profile, a keychain, a helper binary.
//
// Silent capture is bounded by the deadline on ctx; expiry is reported as
// ErrDeclined, never as a raw context error. Interactive capture is
// user-paced and has no deadline, but must honor ctx cancellation so a
// shutdown can release a mid-capture surface.
type Source interface {
	CaptureSilently(ctx context.Context) (string, error)
	CaptureInteractively(ctx context.Context) (string, error)
}

// Store is the persistence seam for the single global credential.
// Encryption at rest is the platform's concern, not ours.
type Store interface {
	SaveCredential(ctx context.Context, token string) error
	LoadCredential(ctx context.Context) (string, error)
	DeleteCredential(ctx context.Context) error
}

// Static is a Source backed by a fixed token, for tests and for
// operator-supplied tokens (env vars). Interactive capture is never
// available on it.
type Static struct {
	Token string
}

func (s Static) CaptureSilently(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", ErrDeclined
	}
	return s.Token, nil
}

func (s Static) CaptureInteractively(ctx context.Context) (string, error) {
	return "", ErrUnavailable
}

// StoreSource reads a previously persisted token, making startup silent
// auth work across restarts. It never captures interactively.
type StoreSource struct {
	Store Store
}

func (s StoreSource) CaptureSilently(ctx context.Context) (string, error) {
	token, err := s.Store.LoadCredential(ctx)
	if err != nil || token == "" {
		return "", ErrDeclined
	}
	return token, nil
}

func (s StoreSource) CaptureInteractively(ctx context.Context) (string, error) {
	return "", ErrUnavailable
}

// Chain tries each source in order and returns the first token. A source
// reporting ErrUnavailable does not stop the chain unless every source is
// unavailable.
type Chain []Source

func (c Chain) CaptureSilently(ctx context.Context) (string, error) {
	return c.capture(ctx, func(s Source) (string, error) { return s.CaptureSilently(ctx) })
}

func (c Chain) CaptureInteractively(ctx context.Context) (string, error) {
	return c.capture(ctx, func(s Source) (string, error) { return s.CaptureInteractively(ctx) })
}

func (c Chain) capture(ctx context.Context, f func(Source) (string, error)) (string, error) {
	if len(c) == 0 {
		return "", ErrUnavailable
	}
	var last error
	unavailable := 0
	for _, s := range c {
		token, err := f(s)
		if err == nil && token != "" {
			return token, nil
		}
		if errors.Is(err, ErrUnavailable) {
			unavailable++
		} else if err != nil {
			last = err
		}
		if ctx.Err() != nil {
			return "", ErrDeclined
		}
	}
	if unavailable == len(c) {
		return "", ErrUnavailable
	}
	if last == nil {
		last = ErrDeclined
	}
	return "", last
}
