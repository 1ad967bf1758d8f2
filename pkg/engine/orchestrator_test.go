package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quotawatch/quotawatch/pkg/credential"
	"github.com/quotawatch/quotawatch/pkg/session"
	"github.com/quotawatch/quotawatch/pkg/sink"
	"github.com/quotawatch/quotawatch/pkg/usage"
)

type fetchResp struct {
	snap usage.Snapshot
	err  error
}

// fakeClient scripts FetchUsage responses; the last response repeats. If
// release is set, every fetch blocks until released or the context ends.
type fakeClient struct {
	mu        sync.Mutex
	tokens    []string
	responses []fetchResp
	calls     int
	started   chan struct{}
	release   chan struct{}
}

func (f *fakeClient) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
}

func (f *fakeClient) FetchUsage(ctx context.Context) (usage.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	var r fetchResp
	if len(f.responses) > 0 {
		r = f.responses[0]
		if len(f.responses) > 1 {
			f.responses = f.responses[1:]
		}
	}
	started := f.started
	release := f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return usage.Snapshot{}, &session.Error{Kind: session.KindTransient, Msg: "cancelled", Err: ctx.Err()}
		}
	}
	return r.snap, r.err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) tokenHistory() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.tokens...)
}

// fakeSource scripts the two capture paths and counts silent attempts.
type fakeSource struct {
	silent      func(ctx context.Context) (string, error)
	interactive func(ctx context.Context) (string, error)
	silentCalls int32
}

func (s *fakeSource) CaptureSilently(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.silentCalls, 1)
	if s.silent == nil {
		return "", credential.ErrDeclined
	}
	return s.silent(ctx)
}

func (s *fakeSource) CaptureInteractively(ctx context.Context) (string, error) {
	if s.interactive == nil {
		return "", credential.ErrUnavailable
	}
	return s.interactive(ctx)
}

type recordingSink struct {
	ch chan sink.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan sink.Event, 128)}
}

func (r *recordingSink) Emit(ev sink.Event) { r.ch <- ev }

// waitFor returns the next event of the given type, failing after a timeout.
// Events of other types are consumed and returned to the caller via skipped.
func (r *recordingSink) waitFor(t *testing.T, typ sink.EventType) sink.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return sink.Event{}
		}
	}
}

// expectNone asserts that no event of the given type arrives within d.
func (r *recordingSink) expectNone(t *testing.T, typ sink.EventType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}

func snapResp(util float64) fetchResp {
	return fetchResp{snap: usage.Snapshot{SessionUtilization: util, FetchedAt: time.Now().UTC()}}
}

func authFail() fetchResp {
	return fetchResp{err: &session.Error{Kind: session.KindAuth, Msg: "session rejected with HTTP 401"}}
}

func transientFail() fetchResp {
	return fetchResp{err: &session.Error{Kind: session.KindTransient, Msg: "HTTP 502"}}
}

func startOrch(t *testing.T, client *fakeClient, source *fakeSource, out sink.Sink, cfg Config) (*Orchestrator, context.CancelFunc) {
	t.Helper()
	o := New(client, source, out, nil, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-o.Done():
		case <-time.After(3 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return o, cancel
}

func TestStartup_SilentAuthThenPoll(t *testing.T) {
	client := &fakeClient{responses: []fetchResp{snapResp(42.5)}}
	source := &fakeSource{silent: func(ctx context.Context) (string, error) { return "tok-1", nil }}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: time.Hour})

	ev := rec.waitFor(t, sink.EventSnapshotUpdated)
	if ev.Snapshot == nil || ev.Snapshot.SessionUtilization != 42.5 {
		t.Fatalf("expected snapshot with 42.5, got %+v", ev.Snapshot)
	}

	if got := client.tokenHistory(); len(got) != 1 || got[0] != "tok-1" {
		t.Errorf("expected captured token installed, got %v", got)
	}
	st := o.Status()
	if st.State != StatePolling {
		t.Errorf("expected polling state, got %s", st.State)
	}
	if st.Snapshot == nil || st.Snapshot.SessionUtilization != 42.5 {
		t.Errorf("expected latest snapshot in status, got %+v", st.Snapshot)
	}
}

func TestSingleFlight_ConcurrentTriggersDropped(t *testing.T) {
	client := &fakeClient{
		responses: []fetchResp{snapResp(10)},
		started:   make(chan struct{}, 8),
		release:   make(chan struct{}),
	}
	source := &fakeSource{silent: func(ctx context.Context) (string, error) { return "tok-1", nil }}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: time.Hour})

	<-client.started // startup fetch is now in flight

	// Back-to-back triggers while the fetch is outstanding: both dropped.
	o.Refresh()
	o.Refresh()
	time.Sleep(100 * time.Millisecond)

	client.release <- struct{}{}
	rec.waitFor(t, sink.EventSnapshotUpdated)

	if n := client.callCount(); n != 1 {
		t.Fatalf("expected exactly one network call, got %d", n)
	}

	// A trigger after the cycle resolved starts a fresh fetch.
	o.Refresh()
	<-client.started
	client.release <- struct{}{}
	rec.waitFor(t, sink.EventSnapshotUpdated)
	if n := client.callCount(); n != 2 {
		t.Fatalf("expected a second call after the first resolved, got %d", n)
	}
}

func TestTransientFailures_CountAndEscalateOnce(t *testing.T) {
	client := &fakeClient{responses: []fetchResp{transientFail()}}
	source := &fakeSource{silent: func(ctx context.Context) (string, error) { return "tok-1", nil }}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: 10 * time.Millisecond, EscalationAfter: 5})

	for want := 1; want <= 5; want++ {
		ev := rec.waitFor(t, sink.EventTransientError)
		if ev.Count != want {
			t.Fatalf("expected consecutive count %d, got %d", want, ev.Count)
		}
	}
	esc := rec.waitFor(t, sink.EventErrorEscalation)
	if esc.Count != 5 {
		t.Fatalf("expected escalation at count 5, got %d", esc.Count)
	}

	// Polling continues past the threshold, but escalation fires only once.
	ev := rec.waitFor(t, sink.EventTransientError)
	if ev.Count != 6 {
		t.Fatalf("expected counting to continue, got %d", ev.Count)
	}
	rec.expectNone(t, sink.EventErrorEscalation, 100*time.Millisecond)

	if st := o.Status(); st.State != StateBackoff {
		t.Errorf("expected backoff state, got %s", st.State)
	}

	// A success resets the counter; the next failure starts over at 1.
	client.mu.Lock()
	client.responses = []fetchResp{snapResp(1), transientFail()}
	client.mu.Unlock()

	rec.waitFor(t, sink.EventSnapshotUpdated)
	ev = rec.waitFor(t, sink.EventTransientError)
	if ev.Count != 1 {
		t.Fatalf("expected counter reset after success, got %d", ev.Count)
	}
}

func TestAuthFailure_SilentRecoveryResumesPolling(t *testing.T) {
	client := &fakeClient{responses: []fetchResp{snapResp(10), authFail(), snapResp(11)}}
	source := &fakeSource{silent: func(ctx context.Context) (string, error) { return "tok-next", nil }}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: 15 * time.Millisecond})

	rec.waitFor(t, sink.EventSnapshotUpdated) // initial success
	rec.waitFor(t, sink.EventAuthRecovered)

	// The recovery resumes the interrupted fetch immediately.
	ev := rec.waitFor(t, sink.EventSnapshotUpdated)
	if ev.Snapshot.SessionUtilization != 11 {
		t.Fatalf("expected resumed fetch snapshot, got %+v", ev.Snapshot)
	}

	tokens := client.tokenHistory()
	if len(tokens) != 2 || tokens[1] != "tok-next" {
		t.Errorf("expected recovered token installed, got %v", tokens)
	}
	if st := o.Status(); st.State != StatePolling {
		t.Errorf("expected polling after recovery, got %s", st.State)
	}
	rec.expectNone(t, sink.EventAuthRequired, 50*time.Millisecond)
}

func TestAuthFailure_SilentDeclinedNotifiesOnce(t *testing.T) {
	client := &fakeClient{responses: []fetchResp{snapResp(10), authFail()}}
	declined := int32(0)
	source := &fakeSource{silent: func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&declined, 1) == 1 {
			return "tok-1", nil // startup
		}
		return "", credential.ErrDeclined // recovery
	}}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: 10 * time.Millisecond})

	rec.waitFor(t, sink.EventSnapshotUpdated)
	ev := rec.waitFor(t, sink.EventAuthRequired)
	if ev.Reason != "session expired" {
		t.Errorf("expected session expired reason, got %q", ev.Reason)
	}

	if st := o.Status(); st.State != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", st.State)
	}

	// Cadence is suspended: no further fetches, no notification storm.
	calls := client.callCount()
	rec.expectNone(t, sink.EventAuthRequired, 100*time.Millisecond)
	if client.callCount() != calls {
		t.Errorf("expected no further fetches while unauthenticated")
	}
}

func TestRecoveredTokenRejected_FallsBackToUser(t *testing.T) {
	client := &fakeClient{responses: []fetchResp{snapResp(10), authFail(), authFail()}}
	source := &fakeSource{silent: func(ctx context.Context) (string, error) { return "tok-next", nil }}
	rec := newRecordingSink()

	_, _ = startOrch(t, client, source, rec, Config{Interval: 10 * time.Millisecond})

	rec.waitFor(t, sink.EventSnapshotUpdated)
	rec.waitFor(t, sink.EventAuthRecovered)
	rec.waitFor(t, sink.EventAuthRequired)

	// Startup + exactly one recovery attempt; the rejected recovery token
	// must not trigger another silent loop.
	if n := atomic.LoadInt32(&source.silentCalls); n != 2 {
		t.Fatalf("expected exactly one silent recovery attempt, got %d total silent calls", n)
	}
}

func TestCaptureUnavailable_IsTerminal(t *testing.T) {
	client := &fakeClient{}
	source := &fakeSource{
		silent:      func(ctx context.Context) (string, error) { return "", credential.ErrUnavailable },
		interactive: func(ctx context.Context) (string, error) { return "", credential.ErrUnavailable },
	}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: 10 * time.Millisecond})

	rec.waitFor(t, sink.EventCaptureUnavailable)
	rec.waitFor(t, sink.EventAuthRequired)

	st := o.Status()
	if st.State != StateUnauthenticated || !st.CaptureUnavailable {
		t.Fatalf("expected terminal unauthenticated status, got %+v", st)
	}

	// No spin-retry: the source is not probed again by the cadence.
	calls := atomic.LoadInt32(&source.silentCalls)
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&source.silentCalls) != calls {
		t.Error("orchestrator must not spin-retry an unavailable capture surface")
	}
	if client.callCount() != 0 {
		t.Error("no fetch may happen without a credential")
	}
}

func TestRefreshWhileUnauthenticated_RetriesAuth(t *testing.T) {
	client := &fakeClient{responses: []fetchResp{snapResp(33)}}
	var allow atomic.Bool
	source := &fakeSource{silent: func(ctx context.Context) (string, error) {
		if allow.Load() {
			return "tok-late", nil
		}
		return "", credential.ErrDeclined
	}}
	rec := newRecordingSink()

	o, _ := startOrch(t, client, source, rec, Config{Interval: time.Hour})

	rec.waitFor(t, sink.EventAuthRequired)

	allow.Store(true)
	o.Refresh()

	ev := rec.waitFor(t, sink.EventSnapshotUpdated)
	if ev.Snapshot.SessionUtilization != 33 {
		t.Fatalf("expected snapshot after re-auth, got %+v", ev.Snapshot)
	}
	if st := o.Status(); st.State != StatePolling {
		t.Errorf("expected polling after manual re-auth, got %s", st.State)
	}
}

func TestShutdown_DiscardsLateResult(t *testing.T) {
	client := &fakeClient{
		responses: []fetchResp{snapResp(10)},
		started:   make(chan struct{}, 8),
		release:   make(chan struct{}),
	}
	source := &fakeSource{silent: func(ctx context.Context) (string, error) { return "tok-1", nil }}
	rec := newRecordingSink()

	o, cancel := startOrch(t, client, source, rec, Config{Interval: time.Hour})

	<-client.started
	cancel()

	select {
	case <-o.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop with a fetch in flight")
	}
	close(client.release)

	rec.expectNone(t, sink.EventSnapshotUpdated, 100*time.Millisecond)
	if st := o.Status(); st.State != StateStopped {
		t.Errorf("expected stopped state, got %s", st.State)
	}
}
