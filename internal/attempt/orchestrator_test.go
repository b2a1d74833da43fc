package attempt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/style-predict/internal/predictor"
)

type stubClient struct {
	predict      func(ctx context.Context, img predictor.Image) ([]predictor.Prediction, error)
	wakeErr      error
	predictCalls atomic.Int32
	wakeCalls    atomic.Int32
}

func (s *stubClient) Wake(ctx context.Context) error {
	s.wakeCalls.Add(1)
	return s.wakeErr
}

func (s *stubClient) Predict(ctx context.Context, img predictor.Image) ([]predictor.Prediction, error) {
	s.predictCalls.Add(1)
	return s.predict(ctx, img)
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) watch(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

var ranked = []predictor.Prediction{
	{Label: "Impressionism", Confidence: 0.42},
	{Label: "Realism", Confidence: 0.31},
	{Label: "Baroque", Confidence: 0.12},
}

func pngFile(size int) *File {
	return &File{Name: "canvas.png", MIMEType: "image/png", Data: make([]byte, size)}
}

func fastOptions(rec *recorder) Options {
	opts := Options{Ceiling: 500 * time.Millisecond, Tick: 10 * time.Millisecond, Hold: 20 * time.Millisecond}
	if rec != nil {
		opts.Watch = rec.watch
	}
	return opts
}

func blockUntilDone(ctx context.Context, _ predictor.Image) ([]predictor.Prediction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubmitNilFileIsNoop(t *testing.T) {
	client := &stubClient{}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

	out := orch.Submit(context.Background(), nil)
	assert.Equal(t, OutcomeNoop, out.Kind)
	assert.Equal(t, StateIdle, orch.Snapshot().State)
	assert.Zero(t, client.predictCalls.Load())
}

func TestSubmitRejectsNonImageWithoutNetwork(t *testing.T) {
	for _, mime := range []string{"text/plain", "application/pdf", "", "video/mp4", "IMAGE/png"} {
		t.Run(mime, func(t *testing.T) {
			client := &stubClient{}
			opts := fastOptions(nil)
			opts.WakeOnSubmit = true
			orch := NewOrchestrator(client, zap.NewNop(), opts)

			out := orch.Submit(context.Background(), &File{Name: "notes", MIMEType: mime, Data: []byte("x")})
			require.Equal(t, OutcomeFailed, out.Kind)
			assert.Equal(t, FailureValidation, out.Failure.Kind)
			assert.ErrorIs(t, out.Failure, ErrNotImage)

			snap := orch.Snapshot()
			assert.Equal(t, StateFailed, snap.State)
			assert.Zero(t, snap.Progress)
			assert.Zero(t, client.predictCalls.Load())
			assert.Zero(t, client.wakeCalls.Load())
		})
	}
}

func TestSubmitRejectsOversizedFile(t *testing.T) {
	client := &stubClient{predict: func(context.Context, predictor.Image) ([]predictor.Prediction, error) {
		return ranked, nil
	}}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

	out := orch.Submit(context.Background(), pngFile(MaxFileSize+1))
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Failure, ErrTooLarge)
	assert.Equal(t, "Only images up to 5MB can be uploaded.", out.Failure.Message())
	assert.Zero(t, client.predictCalls.Load())

	out = orch.Submit(context.Background(), pngFile(MaxFileSize))
	assert.Equal(t, OutcomeSucceeded, out.Kind)
	assert.EqualValues(t, 1, client.predictCalls.Load())
}

func TestSubmitSucceedsWithFullProgressBeforeResult(t *testing.T) {
	rec := &recorder{}
	client := &stubClient{predict: func(ctx context.Context, img predictor.Image) ([]predictor.Prediction, error) {
		assert.Equal(t, "image/png", img.MIMEType)
		time.Sleep(40 * time.Millisecond)
		return ranked, nil
	}}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(rec))

	out := orch.Submit(context.Background(), pngFile(16))
	require.Equal(t, OutcomeSucceeded, out.Kind)
	assert.Equal(t, ranked, out.Results)

	snap := orch.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, ranked, snap.Results)
	assert.Nil(t, snap.Failure)
	require.NotNil(t, snap.Deadline)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, StateSucceeded, last.State)

	heldFull := false
	for _, s := range snaps {
		if s.State.InFlight() && s.Progress == 100 {
			heldFull = true
			assert.Empty(t, s.Results)
		}
	}
	assert.True(t, heldFull, "expected a full progress bar before the result is shown")
}

func TestProgressIsMonotonicWhileInFlight(t *testing.T) {
	rec := &recorder{}
	client := &stubClient{predict: func(ctx context.Context, _ predictor.Image) ([]predictor.Prediction, error) {
		time.Sleep(80 * time.Millisecond)
		return ranked, nil
	}}
	opts := fastOptions(rec)
	opts.Ceiling = 200 * time.Millisecond
	orch := NewOrchestrator(client, zap.NewNop(), opts)

	require.Equal(t, OutcomeSucceeded, orch.Submit(context.Background(), pngFile(8)).Kind)

	prev := 0.0
	partial := false
	for _, s := range rec.all() {
		if s.State != StateSubmitting && s.State != StateAwaitingResponse {
			continue
		}
		assert.GreaterOrEqual(t, s.Progress, prev)
		assert.LessOrEqual(t, s.Progress, 100.0)
		if s.Progress > 0 && s.Progress < 100 {
			partial = true
		}
		prev = s.Progress
	}
	assert.True(t, partial, "expected synthetic progress between 0 and 100")
}

func TestSubmitTimesOutAndCancelsRequest(t *testing.T) {
	rec := &recorder{}
	cancelled := make(chan error, 1)
	client := &stubClient{predict: func(ctx context.Context, _ predictor.Image) ([]predictor.Prediction, error) {
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	}}
	opts := fastOptions(rec)
	opts.Ceiling = 50 * time.Millisecond
	orch := NewOrchestrator(client, zap.NewNop(), opts)

	out := orch.Submit(context.Background(), pngFile(8))
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, FailureTimeout, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message(), "too long")
	assert.ErrorIs(t, <-cancelled, context.DeadlineExceeded)

	snap := orch.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Zero(t, snap.Progress)
	assert.Empty(t, snap.Results)

	published := len(rec.all())
	time.Sleep(40 * time.Millisecond)
	assert.Len(t, rec.all(), published, "no state changes after the attempt resolved")
}

func TestSubmitClassifiesServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   FailureKind
		status int
	}{
		{name: "status", err: &predictor.StatusError{StatusCode: http.StatusServiceUnavailable}, kind: FailureHTTPStatus, status: http.StatusServiceUnavailable},
		{name: "malformed", err: predictor.ErrMalformedResponse, kind: FailureTransport},
		{name: "refused", err: errors.New("connection refused"), kind: FailureTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &stubClient{predict: func(context.Context, predictor.Image) ([]predictor.Prediction, error) {
				return nil, tc.err
			}}
			orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

			out := orch.Submit(context.Background(), pngFile(8))
			require.Equal(t, OutcomeFailed, out.Kind)
			assert.Equal(t, tc.kind, out.Failure.Kind)
			assert.Equal(t, tc.status, out.Failure.StatusCode)
			assert.NotContains(t, out.Failure.Message(), tc.err.Error())

			snap := orch.Snapshot()
			assert.Equal(t, StateFailed, snap.State)
			assert.Zero(t, snap.Progress)
			assert.False(t, orch.CanSubmit(), "no file selected, submit stays disabled")
		})
	}
}

func TestNewAttemptClearsPreviousResult(t *testing.T) {
	calls := 0
	client := &stubClient{predict: func(context.Context, predictor.Image) ([]predictor.Prediction, error) {
		calls++
		if calls == 1 {
			return ranked, nil
		}
		return nil, &predictor.StatusError{StatusCode: http.StatusInternalServerError}
	}}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

	require.Equal(t, OutcomeSucceeded, orch.Submit(context.Background(), pngFile(8)).Kind)
	require.Equal(t, OutcomeFailed, orch.Submit(context.Background(), pngFile(8)).Kind)

	snap := orch.Snapshot()
	assert.Empty(t, snap.Results)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, http.StatusInternalServerError, snap.Failure.StatusCode)
}

func TestSecondSubmitSupersedesFirst(t *testing.T) {
	stale := []predictor.Prediction{{Label: "stale", Confidence: 0.9}}
	fresh := []predictor.Prediction{{Label: "fresh", Confidence: 0.8}}

	cases := map[string]func(ctx context.Context) ([]predictor.Prediction, error){
		"stale success": func(ctx context.Context) ([]predictor.Prediction, error) {
			<-ctx.Done()
			return stale, nil
		},
		"stale failure": func(ctx context.Context) ([]predictor.Prediction, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	for name, firstResolution := range cases {
		t.Run(name, func(t *testing.T) {
			firstCause := make(chan error, 1)
			var calls atomic.Int32
			client := &stubClient{predict: func(ctx context.Context, _ predictor.Image) ([]predictor.Prediction, error) {
				if calls.Add(1) == 1 {
					defer func() { firstCause <- context.Cause(ctx) }()
					return firstResolution(ctx)
				}
				return fresh, nil
			}}
			orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

			firstOut := make(chan Outcome, 1)
			go func() { firstOut <- orch.Submit(context.Background(), pngFile(8)) }()
			require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

			second := orch.Submit(context.Background(), pngFile(8))
			require.Equal(t, OutcomeSucceeded, second.Kind)

			first := <-firstOut
			assert.Equal(t, OutcomeAborted, first.Kind)
			assert.ErrorIs(t, <-firstCause, ErrSuperseded)

			snap := orch.Snapshot()
			assert.Equal(t, StateSucceeded, snap.State)
			assert.Equal(t, second.AttemptID, snap.AttemptID)
			assert.Equal(t, fresh, snap.Results)
		})
	}
}

func TestCallerCancellationAbortsAttempt(t *testing.T) {
	client := &stubClient{predict: blockUntilDone}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- orch.Submit(ctx, pngFile(8)) }()
	require.Eventually(t, func() bool { return client.predictCalls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	out := <-done
	assert.Equal(t, OutcomeAborted, out.Kind)
	snap := orch.Snapshot()
	assert.Equal(t, StateAborted, snap.State)
	assert.Zero(t, snap.Progress)
}

func TestWakeFailureNeverBlocksSubmission(t *testing.T) {
	client := &stubClient{
		wakeErr: errors.New("backend asleep"),
		predict: func(context.Context, predictor.Image) ([]predictor.Prediction, error) { return ranked, nil },
	}
	opts := fastOptions(nil)
	opts.WakeOnSubmit = true
	orch := NewOrchestrator(client, zap.NewNop(), opts)

	out := orch.Submit(context.Background(), pngFile(8))
	assert.Equal(t, OutcomeSucceeded, out.Kind)
	require.Eventually(t, func() bool { return client.wakeCalls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSelectRemoveAndSubmitSelected(t *testing.T) {
	client := &stubClient{predict: func(context.Context, predictor.Image) ([]predictor.Prediction, error) { return ranked, nil }}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

	assert.False(t, orch.CanSubmit())
	assert.Equal(t, OutcomeNoop, orch.SubmitSelected(context.Background()).Kind)

	err := orch.Select(&File{Name: "doc.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")})
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureValidation, failure.Kind)
	assert.False(t, orch.CanSubmit())

	require.NoError(t, orch.Select(pngFile(32)))
	assert.True(t, orch.CanSubmit())
	snap := orch.Snapshot()
	require.NotNil(t, snap.File)
	assert.EqualValues(t, 32, snap.File.SizeBytes)

	out := orch.SubmitSelected(context.Background())
	require.Equal(t, OutcomeSucceeded, out.Kind)
	assert.True(t, orch.CanSubmit())

	orch.Remove()
	assert.False(t, orch.CanSubmit())
	snap = orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.File)
	assert.Empty(t, snap.Results)
}

func TestSelectSupersedesInFlightAttempt(t *testing.T) {
	client := &stubClient{predict: blockUntilDone}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))
	require.NoError(t, orch.Select(pngFile(8)))

	done := make(chan Outcome, 1)
	go func() { done <- orch.SubmitSelected(context.Background()) }()
	require.Eventually(t, func() bool { return client.predictCalls.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, orch.CanSubmit())

	require.NoError(t, orch.Select(&File{Name: "other.jpg", MIMEType: "image/jpeg", Data: []byte("jpg")}))
	assert.Equal(t, OutcomeAborted, (<-done).Kind)

	snap := orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "other.jpg", snap.File.Name)
	assert.True(t, orch.CanSubmit())
}

func TestInvalidFileIssuesNoHTTPRequests(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"top3":[]}`))
	}))
	defer server.Close()

	opts := fastOptions(nil)
	opts.WakeOnSubmit = true
	orch := NewOrchestrator(predictor.NewHTTPClient(server.URL, server.Client(), zap.NewNop()), zap.NewNop(), opts)

	assert.Equal(t, OutcomeFailed, orch.Submit(context.Background(), &File{MIMEType: "text/html", Data: []byte("<p>")}).Kind)
	assert.Equal(t, OutcomeFailed, orch.Submit(context.Background(), pngFile(MaxFileSize+1)).Kind)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, hits.Load())
}

func TestAwaitingResponseOnceRequestIsWritten(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			return
		}
		_ = r.ParseMultipartForm(1 << 20)
		<-release
		_, _ = w.Write([]byte(`{"top3":[{"label":"Cubism","confidence":0.77}]}`))
	}))
	defer server.Close()

	orch := NewOrchestrator(predictor.NewHTTPClient(server.URL, server.Client(), zap.NewNop()), zap.NewNop(), fastOptions(rec))

	done := make(chan Outcome, 1)
	go func() { done <- orch.Submit(context.Background(), pngFile(64)) }()
	require.Eventually(t, func() bool { return orch.Snapshot().State == StateAwaitingResponse }, time.Second, time.Millisecond)
	close(release)

	out := <-done
	require.Equal(t, OutcomeSucceeded, out.Kind)
	assert.Equal(t, []predictor.Prediction{{Label: "Cubism", Confidence: 0.77}}, out.Results)
}

func TestTrySubmitSelectedAdmitsOneAttemptAtATime(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{predict: func(ctx context.Context, _ predictor.Image) ([]predictor.Prediction, error) {
		select {
		case <-release:
			return ranked, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))

	started, wait := orch.TrySubmitSelected(context.Background())
	assert.False(t, started)
	assert.Nil(t, wait)

	require.NoError(t, orch.Select(pngFile(8)))
	started, wait = orch.TrySubmitSelected(context.Background())
	require.True(t, started)
	snap := orch.Snapshot()
	assert.Equal(t, StateValidating, snap.State)
	assert.NotEmpty(t, snap.AttemptID)
	assert.False(t, orch.CanSubmit())

	again, _ := orch.TrySubmitSelected(context.Background())
	assert.False(t, again)

	done := make(chan Outcome, 1)
	go func() { done <- wait() }()
	require.Eventually(t, func() bool { return client.predictCalls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)

	out := <-done
	require.Equal(t, OutcomeSucceeded, out.Kind)
	assert.Equal(t, snap.AttemptID, out.AttemptID)
	assert.EqualValues(t, 1, client.predictCalls.Load())
	assert.True(t, orch.CanSubmit())
}

func TestTrySubmitSelectedRacesToSingleStart(t *testing.T) {
	client := &stubClient{predict: blockUntilDone}
	orch := NewOrchestrator(client, zap.NewNop(), fastOptions(nil))
	require.NoError(t, orch.Select(pngFile(8)))

	var (
		wg      sync.WaitGroup
		starts  atomic.Int32
		waiters = make(chan func() Outcome, 16)
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, wait := orch.TrySubmitSelected(context.Background()); ok {
				starts.Add(1)
				waiters <- wait
			}
		}()
	}
	wg.Wait()
	close(waiters)
	require.EqualValues(t, 1, starts.Load())

	wait := <-waiters
	done := make(chan Outcome, 1)
	go func() { done <- wait() }()
	require.Eventually(t, func() bool { return client.predictCalls.Load() == 1 }, time.Second, time.Millisecond)
	orch.Remove()
	assert.Equal(t, OutcomeAborted, (<-done).Kind)
}

func TestWatchNeverSeesAnOlderSnapshotAfterANewerOne(t *testing.T) {
	rec := &recorder{}
	orch := NewOrchestrator(&stubClient{}, zap.NewNop(), fastOptions(rec))

	orch.publish(Snapshot{State: StateSucceeded, Progress: 100}, 2)
	orch.publish(Snapshot{State: StateAwaitingResponse, Progress: 40}, 1)
	orch.publish(Snapshot{State: StateSucceeded, Progress: 100}, 2)

	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, StateSucceeded, snaps[0].State)
}

func TestWatchObservesOrderedProgressUnderConcurrency(t *testing.T) {
	rec := &recorder{}
	client := &stubClient{predict: func(ctx context.Context, _ predictor.Image) ([]predictor.Prediction, error) {
		time.Sleep(60 * time.Millisecond)
		return ranked, nil
	}}
	opts := fastOptions(rec)
	opts.Tick = time.Millisecond
	orch := NewOrchestrator(client, zap.NewNop(), opts)

	require.Equal(t, OutcomeSucceeded, orch.Submit(context.Background(), pngFile(8)).Kind)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, StateSucceeded, snaps[len(snaps)-1].State)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Progress, snaps[i-1].Progress)
	}
}
