package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/pkg/credential"
	"github.com/quotawatch/quotawatch/pkg/session"
	"github.com/quotawatch/quotawatch/pkg/sink"
	"github.com/quotawatch/quotawatch/pkg/usage"
)

// State is the orchestrator's current mode of operation.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StatePolling         State = "polling"
	StateRecoveringAuth  State = "recovering_auth"
	StateBackoff         State = "backoff"
	StateStopped         State = "stopped"
)

// AuthMode distinguishes the two capture paths while authenticating.
type AuthMode string

const (
	ModeNone        AuthMode = ""
	ModeSilent      AuthMode = "silent"
	ModeInteractive AuthMode = "interactive"
)

const (
	DefaultInterval          = 60 * time.Second
	DefaultSilentAuthTimeout = 15 * time.Second
	DefaultEscalationAfter   = 5
)

// UsageClient is the slice of the session client the orchestrator drives.
type UsageClient interface {
	SetToken(token string)
	FetchUsage(ctx context.Context) (usage.Snapshot, error)
}

// Config tunes the orchestrator cadence and thresholds.
type Config struct {
	// Interval is the polling cadence. It is also the transient-failure
	// retry interval; there is no exponential delay.
	Interval time.Duration
	// SilentAuthTimeout bounds every unattended capture attempt.
	SilentAuthTimeout time.Duration
	// EscalationAfter is the consecutive-transient-failure count that fires
	// a one-time escalation event.
	EscalationAfter int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SilentAuthTimeout <= 0 {
		c.SilentAuthTimeout = DefaultSilentAuthTimeout
	}
	if c.EscalationAfter <= 0 {
		c.EscalationAfter = DefaultEscalationAfter
	}
}

// Status is a point-in-time view of the orchestrator for API consumers.
type Status struct {
	State              State           `json:"state"`
	AuthMode           AuthMode        `json:"auth_mode,omitempty"`
	ConsecutiveErrors  int             `json:"consecutive_errors"`
	CaptureUnavailable bool            `json:"capture_unavailable"`
	Snapshot           *usage.Snapshot `json:"snapshot,omitempty"`
}

type fetchResult struct {
	snap usage.Snapshot
	err  error
}

// Orchestrator drives the session client on a cadence and turns raw failures
// into recovery actions. All state transitions happen on the Run goroutine;
// external triggers only post messages to it, so checking and setting the
// in-flight guard is atomic with respect to every trigger source.
type Orchestrator struct {
	client UsageClient
	source credential.Source
	out    sink.Sink
	creds  credential.Store // optional; persists adopted tokens
	cfg    Config

	refreshCh chan struct{}
	resultCh  chan fetchResult
	done      chan struct{}

	ticker *time.Ticker

	mu           sync.Mutex
	state        State
	mode         AuthMode
	errCount     int
	authNotified bool
	inFlight     bool
	fromRecovery bool // the in-flight fetch resumed an auth recovery
	captureDown  bool
	latest       *usage.Snapshot
}

// New creates an orchestrator. creds may be nil if tokens should not be
// persisted across restarts.
func New(client UsageClient, source credential.Source, out sink.Sink, creds credential.Store, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	if out == nil {
		out = sink.Func(func(sink.Event) {})
	}
	return &Orchestrator{
		client:    client,
		source:    source,
		out:       out,
		creds:     creds,
		cfg:       cfg,
		refreshCh: make(chan struct{}, 1),
		resultCh:  make(chan fetchResult, 1),
		done:      make(chan struct{}),
		state:     StateUnauthenticated,
	}
}

// Run executes the orchestrator loop until ctx is cancelled. Cancellation
// stops the cadence timer, abandons any in-flight fetch (its result is
// discarded, never applied), and releases a mid-capture credential source.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	defer o.transition(StateStopped, ModeNone)

	log.Println("Orchestrator started")

	o.authenticate(ctx, true)

	o.ticker = time.NewTicker(o.cfg.Interval)
	defer o.ticker.Stop()

	if o.currentState() == StatePolling {
		o.startFetch(ctx, false)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Orchestrator stopping due to context cancellation")
			return
		case <-o.ticker.C:
			o.maybeStartFetch(ctx)
		case <-o.refreshCh:
			o.handleRefresh(ctx)
		case res := <-o.resultCh:
			o.handleResult(ctx, res)
		}
	}
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Refresh requests one fetch cycle out of cadence. If a fetch is already in
// flight the request is dropped, not queued. Safe from any goroutine.
func (o *Orchestrator) Refresh() {
	select {
	case o.refreshCh <- struct{}{}:
	default:
	}
}

// Status reports the current state for API consumers.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:              o.state,
		AuthMode:           o.mode,
		ConsecutiveErrors:  o.errCount,
		CaptureUnavailable: o.captureDown,
		Snapshot:           o.latest,
	}
}

func (o *Orchestrator) currentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(s State, m AuthMode) {
	o.mu.Lock()
	o.state = s
	o.mode = m
	o.mu.Unlock()
}

// handleRefresh routes a manual trigger. From an authenticated state it is
// an out-of-cadence fetch; from Unauthenticated it re-attempts the full
// authentication ladder (the user explicitly asked, so even a previously
// unavailable capture surface is probed again).
func (o *Orchestrator) handleRefresh(ctx context.Context) {
	if o.currentState() == StateUnauthenticated {
		o.authenticate(ctx, true)
		if o.currentState() == StatePolling {
			o.resumeCadence()
			o.startFetch(ctx, false)
		}
		return
	}
	o.maybeStartFetch(ctx)
}

// maybeStartFetch begins one fetch cycle unless one is already outstanding
// or the orchestrator is not in a pollable state. A dropped trigger has no
// observable effect.
func (o *Orchestrator) maybeStartFetch(ctx context.Context) {
	o.mu.Lock()
	if o.inFlight || (o.state != StatePolling && o.state != StateBackoff) {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.mu.Unlock()

	o.spawnFetch(ctx)
}

// startFetch begins a fetch cycle unconditionally (callers have already
// settled the state). fromRecovery marks the fetch that resumes an auth
// recovery, so a second auth failure escalates instead of looping.
func (o *Orchestrator) startFetch(ctx context.Context, fromRecovery bool) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.fromRecovery = fromRecovery
	o.mu.Unlock()

	o.spawnFetch(ctx)
}

// spawnFetch runs the network call on a worker goroutine; no lock is held
// while it runs. resultCh is buffered so a result arriving after shutdown
// parks there and is never applied.
func (o *Orchestrator) spawnFetch(ctx context.Context) {
	go func() {
		snap, err := o.client.FetchUsage(ctx)
		select {
		case o.resultCh <- fetchResult{snap: snap, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handleResult(ctx context.Context, res fetchResult) {
	o.mu.Lock()
	o.inFlight = false
	fromRecovery := o.fromRecovery
	o.fromRecovery = false
	o.mu.Unlock()

	if res.err == nil {
		o.handleSuccess(res.snap)
		return
	}

	switch session.KindOf(res.err) {
	case session.KindAuth, session.KindNoCredential:
		PollsTotal.WithLabelValues("auth_failure").Inc()
		if fromRecovery {
			// The token we just recovered was rejected immediately; one
			// silent attempt per failure, then the user gets involved.
			o.authLost("session expired")
			return
		}
		o.recoverAuth(ctx)
	default:
		// Transient, including NoOrganizationFound: reported, never stops
		// polling; the cadence itself is the retry interval.
		o.handleTransient(res.err)
	}
}

func (o *Orchestrator) handleSuccess(snap usage.Snapshot) {
	o.mu.Lock()
	o.latest = &snap
	o.errCount = 0
	o.authNotified = false
	o.state = StatePolling
	o.mode = ModeNone
	o.mu.Unlock()

	PollsTotal.WithLabelValues("success").Inc()
	ConsecutiveErrors.Set(0)
	SessionUtilization.Set(snap.SessionUtilization)
	if snap.HasWeekly {
		WeeklyUtilization.Set(snap.WeeklyUtilization)
	}

	o.out.Emit(sink.Event{Type: sink.EventSnapshotUpdated, At: time.Now().UTC(), Snapshot: &snap})
}

func (o *Orchestrator) handleTransient(err error) {
	o.mu.Lock()
	o.errCount++
	count := o.errCount
	o.state = StateBackoff
	o.mu.Unlock()

	PollsTotal.WithLabelValues("transient").Inc()
	ConsecutiveErrors.Set(float64(count))
	log.Printf("Fetch failed (%d consecutive): %v", count, err)

	now := time.Now().UTC()
	o.out.Emit(sink.Event{Type: sink.EventTransientError, At: now, Count: count, Message: err.Error()})
	if count == o.cfg.EscalationAfter {
		o.out.Emit(sink.Event{Type: sink.EventErrorEscalation, At: now, Count: count, Message: err.Error()})
	}
}

// recoverAuth handles an auth failure inside a fetch cycle: suspend the
// cadence, make exactly one silent re-login attempt, then either resume the
// interrupted fetch or fall back to Unauthenticated.
func (o *Orchestrator) recoverAuth(ctx context.Context) {
	o.transition(StateRecoveringAuth, ModeSilent)
	o.suspendCadence()

	token, err := o.captureSilently(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, credential.ErrUnavailable) {
			o.markCaptureUnavailable()
		}
		o.authLost("session expired")
		return
	}

	o.adoptToken(ctx, token)
	AuthRecoveriesTotal.Inc()
	o.out.Emit(sink.Event{Type: sink.EventAuthRecovered, At: time.Now().UTC()})
	o.resumeCadence()
	o.startFetch(ctx, true)
}

// authenticate climbs the capture ladder: one bounded silent attempt, then
// (when allowed) a user-paced interactive attempt.
func (o *Orchestrator) authenticate(ctx context.Context, interactiveFallback bool) {
	o.transition(StateAuthenticating, ModeSilent)

	token, err := o.captureSilently(ctx)
	if err == nil {
		o.adoptToken(ctx, token)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, credential.ErrUnavailable) {
		o.markCaptureUnavailable()
		o.authLost("credential capture unavailable")
		return
	}
	if !interactiveFallback {
		o.authLost("login required")
		return
	}

	o.transition(StateAuthenticating, ModeInteractive)
	token, err = o.source.CaptureInteractively(ctx)
	if err == nil && token != "" {
		o.adoptToken(ctx, token)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, credential.ErrUnavailable) {
		o.markCaptureUnavailable()
		o.authLost("credential capture unavailable")
		return
	}
	o.authLost("login required")
}

// captureSilently runs one unattended capture bounded by the configured
// timeout. Expiry is a declined login, not an error.
func (o *Orchestrator) captureSilently(ctx context.Context) (string, error) {
	capCtx, cancel := context.WithTimeout(ctx, o.cfg.SilentAuthTimeout)
	defer cancel()

	token, err := o.source.CaptureSilently(capCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", credential.ErrDeclined
		}
		return "", err
	}
	if token == "" {
		return "", credential.ErrDeclined
	}
	return token, nil
}

// adoptToken installs a freshly captured token and resets failure tracking.
func (o *Orchestrator) adoptToken(ctx context.Context, token string) {
	o.client.SetToken(token)
	if o.creds != nil {
		if err := o.creds.SaveCredential(ctx, token); err != nil {
			log.Printf("Failed to persist credential: %v", err)
		}
	}

	o.mu.Lock()
	o.errCount = 0
	o.authNotified = false
	o.captureDown = false
	o.state = StatePolling
	o.mode = ModeNone
	o.mu.Unlock()

	ConsecutiveErrors.Set(0)
}

// authLost parks the orchestrator in Unauthenticated. The notification fires
// once per outage; repeats are suppressed until an auth succeeds.
func (o *Orchestrator) authLost(reason string) {
	o.mu.Lock()
	o.state = StateUnauthenticated
	o.mode = ModeNone
	notify := !o.authNotified
	o.authNotified = true
	o.mu.Unlock()

	if notify {
		o.out.Emit(sink.Event{Type: sink.EventAuthRequired, At: time.Now().UTC(), Reason: reason})
	}
}

func (o *Orchestrator) markCaptureUnavailable() {
	o.mu.Lock()
	o.captureDown = true
	o.mu.Unlock()
	o.out.Emit(sink.Event{Type: sink.EventCaptureUnavailable, At: time.Now().UTC()})
}

// suspendCadence stops the timer and drains a tick that may have already
// been delivered, so recovery is not chased by a stale trigger.
func (o *Orchestrator) suspendCadence() {
	if o.ticker == nil {
		return
	}
	o.ticker.Stop()
	select {
	case <-o.ticker.C:
	default:
	}
}

func (o *Orchestrator) resumeCadence() {
	if o.ticker == nil {
		return
	}
	o.ticker.Reset(o.cfg.Interval)
}
