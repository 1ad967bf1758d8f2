package credential

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ExecSource shells out to an operator-configured helper that prints a
// session token on stdout (a keychain lookup, a browser-profile extractor).
// Silent mode inherits the caller's deadline; interactive mode runs the
// helper with a flag so it may open its own capture surface and block on
// the user.
type ExecSource struct {
	// Command is the helper program. Looked up on PATH if not absolute.
	Command string
	// Args are passed on every invocation.
	Args []string
	// InteractiveFlag is appended for interactive capture, letting one
	// helper serve both modes. Defaults to "--interactive".
	InteractiveFlag string
}

func (e ExecSource) CaptureSilently(ctx context.Context) (string, error) {
	return e.run(ctx, e.Args, ErrDeclined)
}

func (e ExecSource) CaptureInteractively(ctx context.Context) (string, error) {
	flag := e.InteractiveFlag
	if flag == "" {
		flag = "--interactive"
	}
	args := append(append([]string{}, e.Args...), flag)
	return e.run(ctx, args, ErrCancelled)
}

// run executes the helper and maps its outcome: missing binary means the
// capture surface is unavailable, a deadline or non-zero exit or empty
// output means the failure kind given by onFail.
func (e ExecSource) run(ctx context.Context, args []string, onFail error) (string, error) {
	if e.Command == "" {
		return "", ErrUnavailable
	}
	if _, err := exec.LookPath(e.Command); err != nil {
		return "", ErrUnavailable
	}

	out, err := exec.CommandContext(ctx, e.Command, args...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return "", onFail
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", onFail
		}
		return "", ErrUnavailable
	}

	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", onFail
	}
	return token, nil
}
