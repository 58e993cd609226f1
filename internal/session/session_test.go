package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
	"github.com/wuchris-ch/fundus-dx-ml/internal/prediction"
	"github.com/wuchris-ch/fundus-dx-ml/internal/preview"
)

type reply struct {
	result *diagnosis.Result
	err    error
}

type pendingCall struct {
	image prediction.Image
	reply chan reply
}

// gateClient parks every Predict call until the test answers it.
type gateClient struct {
	calls chan *pendingCall
}

func newGateClient() *gateClient {
	return &gateClient{calls: make(chan *pendingCall, 8)}
}

func (c *gateClient) Predict(ctx context.Context, image prediction.Image) (*diagnosis.Result, error) {
	call := &pendingCall{image: image, reply: make(chan reply, 1)}
	c.calls <- call
	select {
	case r := <-call.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, &prediction.Failure{Kind: prediction.KindTransport, Err: ctx.Err()}
	}
}

func (c *gateClient) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case call := <-c.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected a prediction request")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(kind EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

// trackingStore wraps MemoryStore and checks that a session never acquires
// a preview while it still holds one.
type trackingStore struct {
	*preview.MemoryStore
	t      *testing.T
	issued []preview.Handle
}

func (s *trackingStore) Acquire(ctx context.Context, sessionID string, p *preview.Preview) (preview.Handle, error) {
	if live := s.Live(sessionID); live != 0 {
		s.t.Errorf("acquire with %d live handles", live)
	}
	h, err := s.MemoryStore.Acquire(ctx, sessionID, p)
	if err == nil {
		s.issued = append(s.issued, h)
	}
	return h, err
}

type failingStore struct {
	*preview.MemoryStore
}

func (failingStore) Acquire(context.Context, string, *preview.Preview) (preview.Handle, error) {
	return "", errors.New("store unavailable")
}

func glaucomaResult() *diagnosis.Result {
	return &diagnosis.Result{
		PredictedClass: "glaucoma",
		Confidence:     0.93,
		Probabilities: diagnosis.Probabilities{
			{Label: "normal", Probability: 0.02},
			{Label: "cataract", Probability: 0.03},
			{Label: "glaucoma", Probability: 0.93},
			{Label: "diabetic_retinopathy", Probability: 0.02},
		},
	}
}

func jpeg(name string) *diagnosis.ImageCandidate {
	return &diagnosis.ImageCandidate{Filename: name, MIMEType: "image/jpeg", Bytes: []byte(name), Source: diagnosis.SourcePicker}
}

func newTestSession(t *testing.T) (*Session, *gateClient, *trackingStore, *recorder) {
	t.Helper()
	client := newGateClient()
	store := &trackingStore{MemoryStore: preview.NewMemoryStore(64), t: t}
	rec := &recorder{}
	s := New("s-1", "user-1", client, store, zap.NewNop(), Options{Timeout: 5 * time.Second, Listeners: []Listener{rec.listen}})
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		s.Wait()
	})
	return s, client, store, rec
}

func TestScenarioSelectSubmitSucceed(t *testing.T) {
	ctx := context.Background()
	s, client, _, _ := newTestSession(t)

	if err := s.SelectFile(ctx, jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got := s.Snapshot().State; got != Ready {
		t.Fatalf("expected ready, got %s", got)
	}

	ticket, err := s.Submit()
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ticket != 1 {
		t.Fatalf("expected first ticket to be 1, got %d", ticket)
	}
	if got := s.Snapshot().State; got != Submitting {
		t.Fatalf("expected submitting, got %s", got)
	}

	call := client.next(t)
	if string(call.image.Data) != "fundus.jpg" || call.image.ContentType != "image/jpeg" {
		t.Fatalf("unexpected request payload %+v", call.image)
	}
	call.reply <- reply{result: glaucomaResult()}
	s.Wait()

	snap := s.Snapshot()
	if snap.State != Succeeded {
		t.Fatalf("expected succeeded, got %s", snap.State)
	}
	if snap.Result == nil || snap.Result.PredictedClass != "glaucoma" {
		t.Fatalf("unexpected result %+v", snap.Result)
	}
	if snap.Preview == "" {
		t.Fatal("expected a preview handle to be held")
	}
}

func TestDroppedNonImageIsIgnored(t *testing.T) {
	s, _, store, rec := newTestSession(t)

	err := s.SelectFile(context.Background(), &diagnosis.ImageCandidate{
		Filename: "report.pdf",
		MIMEType: "application/pdf",
		Bytes:    []byte("%PDF"),
		Source:   diagnosis.SourceDrop,
	})
	if !errors.Is(err, diagnosis.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got := s.Snapshot().State; got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	if store.Len() != 0 || len(rec.ofType(EventTransition)) != 0 {
		t.Fatal("a rejected drop must not touch the session")
	}
}

func TestPickerAcceptsAnyFile(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	err := s.SelectFile(context.Background(), &diagnosis.ImageCandidate{
		Filename: "report.pdf",
		MIMEType: "application/pdf",
		Bytes:    []byte("%PDF"),
		Source:   diagnosis.SourcePicker,
	})
	if err != nil {
		t.Fatalf("picker input should be accepted, got %v", err)
	}
	if got := s.Snapshot().State; got != Ready {
		t.Fatalf("expected ready, got %s", got)
	}
}

func TestSelectNilIsIgnored(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	if err := s.SelectFile(context.Background(), nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if got := s.Snapshot().State; got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestRetryAfterServiceFailure(t *testing.T) {
	s, client, _, _ := newTestSession(t)
	if err := s.SelectFile(context.Background(), jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.next(t).reply <- reply{err: &prediction.Failure{Kind: prediction.KindService, StatusCode: 500}}
	s.Wait()

	snap := s.Snapshot()
	if snap.State != Failed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Failure.Message != FailureMessage || snap.Failure.Kind != prediction.KindService {
		t.Fatalf("unexpected failure %+v", snap.Failure)
	}

	ticket, err := s.Submit()
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if ticket != 2 {
		t.Fatalf("expected ticket 2, got %d", ticket)
	}
	if s.Snapshot().Failure != nil {
		t.Fatal("failure should be cleared while retrying")
	}
	client.next(t).reply <- reply{result: glaucomaResult()}
	s.Wait()

	if got := s.Snapshot().State; got != Succeeded {
		t.Fatalf("expected succeeded after retry, got %s", got)
	}
}

func TestSubmitWhileSubmittingHasNoEffect(t *testing.T) {
	s, client, _, rec := newTestSession(t)
	if err := s.SelectFile(context.Background(), jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	call := client.next(t)
	before := s.Snapshot()
	transitions := len(rec.ofType(EventTransition))

	if _, err := s.Submit(); !errors.Is(err, ErrSubmissionInFlight) {
		t.Fatalf("expected ErrSubmissionInFlight, got %v", err)
	}
	after := s.Snapshot()
	if after.State != Submitting || after.Submissions != before.Submissions {
		t.Fatalf("second submit changed the session: %+v", after)
	}
	if len(rec.ofType(EventTransition)) != transitions {
		t.Fatal("second submit emitted a transition")
	}

	call.reply <- reply{result: glaucomaResult()}
	s.Wait()
	if len(client.calls) != 0 {
		t.Fatalf("expected exactly one request, found %d more", len(client.calls))
	}
}

func TestSubmitRequiresCandidate(t *testing.T) {
	s, client, _, _ := newTestSession(t)
	if _, err := s.Submit(); !errors.Is(err, ErrNothingToSubmit) {
		t.Fatalf("expected ErrNothingToSubmit from idle, got %v", err)
	}

	if err := s.SelectFile(context.Background(), jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.next(t).reply <- reply{result: glaucomaResult()}
	s.Wait()

	if _, err := s.Submit(); !errors.Is(err, ErrNothingToSubmit) {
		t.Fatalf("expected ErrNothingToSubmit from succeeded, got %v", err)
	}
}

func TestStaleResponseAfterNewSelection(t *testing.T) {
	ctx := context.Background()
	s, client, _, rec := newTestSession(t)
	if err := s.SelectFile(ctx, jpeg("first.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	call := client.next(t)

	if err := s.SelectFile(ctx, jpeg("second.jpg")); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	call.reply <- reply{result: glaucomaResult()}
	s.Wait()

	snap := s.Snapshot()
	if snap.State != Ready {
		t.Fatalf("expected ready, got %s", snap.State)
	}
	if snap.Candidate.Filename != "second.jpg" {
		t.Fatalf("expected the new file, got %s", snap.Candidate.Filename)
	}
	if snap.Result != nil {
		t.Fatal("stale result must not be applied")
	}
	stale := rec.ofType(EventStaleDiscarded)
	if len(stale) != 1 || stale[0].Ticket != 1 {
		t.Fatalf("expected one stale discard for ticket 1, got %+v", stale)
	}
}

func TestStaleResponseAfterResubmission(t *testing.T) {
	ctx := context.Background()
	s, client, _, _ := newTestSession(t)
	if err := s.SelectFile(ctx, jpeg("first.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	first := client.next(t)

	if err := s.SelectFile(ctx, jpeg("second.jpg")); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	second := client.next(t)

	first.reply <- reply{err: &prediction.Failure{Kind: prediction.KindService, StatusCode: 500}}
	// give the stale completion a chance to run before the real one
	time.Sleep(20 * time.Millisecond)
	if got := s.Snapshot().State; got != Submitting {
		t.Fatalf("stale failure changed state to %s", got)
	}

	second.reply <- reply{result: glaucomaResult()}
	s.Wait()
	if got := s.Snapshot().State; got != Succeeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
}

func TestStaleResponseAfterReset(t *testing.T) {
	ctx := context.Background()
	s, client, store, _ := newTestSession(t)
	if err := s.SelectFile(ctx, jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	call := client.next(t)

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("reset must release the preview")
	}
	call.reply <- reply{result: glaucomaResult()}
	s.Wait()

	snap := s.Snapshot()
	if snap.State != Idle || snap.Result != nil || snap.Candidate != nil {
		t.Fatalf("expected clean idle session, got %+v", snap)
	}
}

func TestOnePreviewHandleAtATime(t *testing.T) {
	ctx := context.Background()
	s, client, store, _ := newTestSession(t)

	names := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"}
	for i, name := range names {
		if err := s.SelectFile(ctx, jpeg(name)); err != nil {
			t.Fatalf("select %s failed: %v", name, err)
		}
		if i == 1 {
			if _, err := s.Submit(); err != nil {
				t.Fatalf("submit failed: %v", err)
			}
			client.next(t).reply <- reply{result: glaucomaResult()}
			s.Wait()
		}
		if live := store.Live("s-1"); live != 1 {
			t.Fatalf("after %s: expected one live handle, got %d", name, live)
		}
	}

	current := s.Snapshot().Preview
	for _, h := range store.issued {
		if h == current {
			continue
		}
		if _, err := store.Open(ctx, h); !errors.Is(err, preview.ErrNotFound) {
			t.Fatalf("superseded handle %s still open", h)
		}
	}
	if len(store.issued) != len(names) {
		t.Fatalf("expected %d handles issued, got %d", len(names), len(store.issued))
	}
}

func TestPreviewFailureLeavesSessionIdle(t *testing.T) {
	s := New("s-2", "user-1", newGateClient(), failingStore{MemoryStore: preview.NewMemoryStore(64)}, zap.NewNop(), Options{})
	if err := s.SelectFile(context.Background(), jpeg("fundus.jpg")); err == nil {
		t.Fatal("expected error from failing store")
	}
	snap := s.Snapshot()
	if snap.State != Idle || snap.Candidate != nil {
		t.Fatalf("expected idle without candidate, got %+v", snap)
	}
}

func TestCloseReleasesAndRejects(t *testing.T) {
	ctx := context.Background()
	s, client, store, rec := newTestSession(t)
	if err := s.SelectFile(ctx, jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.next(t)

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	s.Wait()

	if store.Len() != 0 {
		t.Fatal("close must release the preview")
	}
	if len(rec.ofType(EventStaleDiscarded)) != 1 {
		t.Fatal("the cancelled request should be discarded as stale")
	}
	if err := s.SelectFile(ctx, jpeg("again.jpg")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.Submit(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestSubmitTimeoutFailsSession(t *testing.T) {
	client := newGateClient()
	s := New("s-3", "user-1", client, preview.NewMemoryStore(64), zap.NewNop(), Options{Timeout: 20 * time.Millisecond})
	defer s.Close(context.Background())

	if err := s.SelectFile(context.Background(), jpeg("fundus.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, err := s.Submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.next(t)
	s.Wait()

	snap := s.Snapshot()
	if snap.State != Failed || snap.Failure.Kind != prediction.KindTransport {
		t.Fatalf("expected transport failure, got %+v", snap)
	}
}

// slowRenderStore parks Render until release is closed.
type slowRenderStore struct {
	*preview.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowRenderStore) Render(c *diagnosis.ImageCandidate) *preview.Preview {
	close(s.entered)
	<-s.release
	return s.MemoryStore.Render(c)
}

func TestRenderRunsOutsideSessionLock(t *testing.T) {
	store := &slowRenderStore{MemoryStore: preview.NewMemoryStore(64), entered: make(chan struct{}), release: make(chan struct{})}
	s := New("s-4", "user-1", newGateClient(), store, zap.NewNop(), Options{})
	defer s.Close(context.Background())

	selected := make(chan error, 1)
	go func() {
		selected <- s.SelectFile(context.Background(), jpeg("fundus.jpg"))
	}()
	<-store.entered

	observed := make(chan State, 1)
	go func() {
		observed <- s.Snapshot().State
	}()
	select {
	case state := <-observed:
		if state != Idle {
			t.Fatalf("expected idle while rendering, got %s", state)
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked behind the preview render")
	}
	if _, err := s.Submit(); !errors.Is(err, ErrNothingToSubmit) {
		t.Fatalf("expected ErrNothingToSubmit while rendering, got %v", err)
	}

	close(store.release)
	if err := <-selected; err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if s.Snapshot().State != Ready {
		t.Fatalf("expected ready after render, got %s", s.Snapshot().State)
	}
}
