package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook-builder/internal/domain"
	"notebook-builder/internal/middleware"
	"notebook-builder/internal/testutil"
)

const secret = "bridge-test-secret"

func token(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type fakeStream struct {
	events chan domain.ProgressEvent
	err    error
	closed atomic.Bool
}

func (s *fakeStream) Next(ctx context.Context) (domain.ProgressEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return domain.ProgressEvent{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return domain.ProgressEvent{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeBroker struct {
	mu     sync.Mutex
	calls  []string
	stream *fakeStream
}

func (b *fakeBroker) log(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBroker) PublishStart(_ context.Context, id string) error {
	b.log("start " + id)
	return nil
}

func (b *fakeBroker) PublishCancel(_ context.Context, id string) error {
	b.log("cancel " + id)
	return nil
}

func (b *fakeBroker) OpenReply(_ context.Context, id string) (Stream, error) {
	b.log("reply " + id)
	return b.stream, nil
}

type harness struct {
	builds  *testutil.MockBuildRepo
	objects *testutil.MockObjectStore
	broker  *fakeBroker
	server  *httptest.Server
	job     *domain.BuildJob
}

func newHarness(t *testing.T, status domain.BuildStatus) *harness {
	t.Helper()
	h := &harness{
		job: &domain.BuildJob{
			ID: "b-1", UserID: "u-1", Status: status,
			Source: domain.SourceRef{Owner: "octocat", Repository: "models", Branch: "main", NotebookPath: "nb.ipynb"},
		},
		objects: &testutil.MockObjectStore{},
		broker:  &fakeBroker{stream: &fakeStream{events: make(chan domain.ProgressEvent, 8), err: errors.New("stream gone")}},
	}
	h.builds = &testutil.MockBuildRepo{
		GetByIDFn: func(_ context.Context, id string) (*domain.BuildJob, error) {
			if id != h.job.ID {
				return nil, domain.ErrNotFound("build %s not found", id)
			}
			j := *h.job
			return &j, nil
		},
	}
	users := &testutil.MockUserRepo{GetByIDFn: func(_ context.Context, id string) (*domain.User, error) {
		return &domain.User{ID: id, GithubToken: "ghp_x"}, nil
	}}
	source := &testutil.MockNotebookSource{FetchNotebookFn: func(_ context.Context, u *domain.User, ref domain.SourceRef) ([]byte, error) {
		if u.GithubToken != "ghp_x" || ref.NotebookPath != "nb.ipynb" {
			return nil, errors.New("unexpected fetch")
		}
		return []byte(`{"cells":[]}`), nil
	}}
	tokens, err := middleware.NewHS256Validator(secret, "")
	require.NoError(t, err)

	handler := NewHandler(Config{LogBucket: "s3://logs"}, Deps{
		Builds: h.builds, Users: users, Objects: h.objects, Source: source,
		Broker: h.broker, Tokens: tokens,
	}, slog.New(slog.DiscardHandler))
	h.server = httptest.NewServer(handler)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T, frame Frame) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.WriteJSON(frame))
	return conn
}

// readAll reads events until the server closes the session and returns them
// with the close code.
func readAll(t *testing.T, conn *websocket.Conn) ([]domain.ProgressEvent, int, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var events []domain.ProgressEvent
	for {
		var ev domain.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return events, ce.Code, ce.Text
			}
			return events, -1, err.Error()
		}
		events = append(events, ev)
	}
}

func TestStart_EnqueuesAndRelays(t *testing.T) {
	h := newHarness(t, domain.BuildStatusNotStarted)
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressRunning, Message: "STARTING DOCKER BUILD"}
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressFinished, Message: "FINISHED BUILD"}
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressRunning, Message: "after terminal"}

	conn := h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")})
	events, code, _ := readAll(t, conn)

	assert.Equal(t, websocket.CloseNormalClosure, code)
	require.Len(t, events, 3, "the stream ends after the first terminal event")
	assert.Equal(t, domain.ProgressEvent{State: domain.ProgressStarted, Message: QueuedMessage}, events[0])
	assert.Equal(t, "STARTING DOCKER BUILD", events[1].Message)
	assert.Equal(t, domain.ProgressFinished, events[2].State)

	assert.Equal(t, []string{"reply b-1", "start b-1"}, h.broker.Calls(), "the reply stream opens before publishing")
	assert.Equal(t, []domain.BuildStatus{domain.BuildStatusQueued}, h.builds.Statuses())
	staged, ok := h.objects.Object("s3://logs/b-1/notebook.ipynb")
	require.True(t, ok)
	assert.JSONEq(t, `{"cells":[]}`, string(staged))
}

func TestStart_AttachesToRunningBuild(t *testing.T) {
	h := newHarness(t, domain.BuildStatusStarted)
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressRunning, Message: "."}
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressCancelled, Message: "CANCELLED BUILD"}

	conn := h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")})
	events, code, _ := readAll(t, conn)

	assert.Equal(t, websocket.CloseNormalClosure, code)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ProgressCancelled, events[1].State)
	assert.Equal(t, []string{"reply b-1"}, h.broker.Calls(), "no second execution is enqueued")
	assert.Empty(t, h.builds.Statuses())
	_, staged := h.objects.Object("s3://logs/b-1/notebook.ipynb")
	assert.False(t, staged)
}

func TestStart_AttachesToQueuedBuild(t *testing.T) {
	h := newHarness(t, domain.BuildStatusQueued)
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressStarted, Message: "STARTING BUILD FOR nb.ipynb"}
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressFinished, Message: "FINISHED BUILD"}

	events, code, _ := readAll(t, h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")}))

	assert.Equal(t, websocket.CloseNormalClosure, code)
	require.Len(t, events, 2)
	assert.NotEqual(t, QueuedMessage, events[0].Message)
	assert.Equal(t, []string{"reply b-1"}, h.broker.Calls(), "a waiting build is not enqueued twice")
	assert.Empty(t, h.builds.Statuses())
}

func TestStart_AttachToBuildThatJustEnded(t *testing.T) {
	h := newHarness(t, domain.BuildStatusStarted)
	var reads atomic.Int32
	h.builds.GetByIDFn = func(context.Context, string) (*domain.BuildJob, error) {
		j := *h.job
		if reads.Add(1) > 1 {
			j.Status = domain.BuildStatusFinished
		}
		return &j, nil
	}

	events, code, _ := readAll(t, h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")}))

	assert.Equal(t, websocket.CloseNormalClosure, code)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ProgressFinished, events[0].State)
	assert.Equal(t, []string{"reply b-1"}, h.broker.Calls())
}

func TestStart_LosingTheEnqueueRaceAttaches(t *testing.T) {
	h := newHarness(t, domain.BuildStatusNotStarted)
	h.builds.UpdateIfStatusFn = func(_ context.Context, _ string, from []domain.BuildStatus, _ domain.BuildUpdate) (bool, error) {
		assert.ElementsMatch(t, domain.Restartable, from)
		return false, nil
	}
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressCancelled, Message: "CANCELLED BUILD"}

	events, code, _ := readAll(t, h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")}))

	assert.Equal(t, websocket.CloseNormalClosure, code)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ProgressCancelled, events[0].State)
	assert.Equal(t, []string{"reply b-1"}, h.broker.Calls())
	_, staged := h.objects.Object("s3://logs/b-1/notebook.ipynb")
	assert.False(t, staged)
}

func TestStart_ConcurrentStartsEnqueueOnce(t *testing.T) {
	h := newHarness(t, domain.BuildStatusNotStarted)
	// Both sessions read NotStarted; only the guarded update decides.
	var mu sync.Mutex
	stored := domain.BuildStatusNotStarted
	h.builds.UpdateIfStatusFn = func(_ context.Context, _ string, from []domain.BuildStatus, upd domain.BuildUpdate) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if !slices.Contains(from, stored) {
			return false, nil
		}
		stored = *upd.Status
		return true, nil
	}
	for range 4 {
		h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressRunning, Message: "."}
	}

	var conns []*websocket.Conn
	for range 2 {
		conns = append(conns, h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")}))
	}
	assert.Eventually(t, func() bool {
		starts := 0
		for _, c := range h.broker.Calls() {
			if c == "start b-1" {
				starts++
			}
		}
		return starts == 1 && len(h.broker.Calls()) == 3
	}, 5*time.Second, 10*time.Millisecond, "one start and two reply streams")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.broker.Calls(), 3)
	for _, c := range conns {
		_ = c.Close()
	}
}

func TestStart_FailedEnqueueRestoresStatus(t *testing.T) {
	h := newHarness(t, domain.BuildStatusError)
	h.job.Source.NotebookPath = "moved.ipynb"

	_, code, _ := readAll(t, h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")}))

	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Empty(t, h.broker.Calls(), "no start was published")
	assert.Equal(t, []domain.BuildStatus{domain.BuildStatusQueued, domain.BuildStatusError}, h.builds.Statuses())
}

func TestCancel_Publishes(t *testing.T) {
	h := newHarness(t, domain.BuildStatusStarted)

	conn := h.dial(t, Frame{Command: domain.CommandCancel, BuildID: "b-1", JWT: token(t, "u-1")})
	events, code, _ := readAll(t, conn)

	assert.Empty(t, events)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, []string{"cancel b-1"}, h.broker.Calls())
}

func TestRejectedFrames(t *testing.T) {
	tests := []struct {
		name   string
		frame  Frame
		code   int
		reason string
	}{
		{"other owner", Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: "X-u-2"}, websocket.ClosePolicyViolation, "another user"},
		{"other owner cancel", Frame{Command: domain.CommandCancel, BuildID: "b-1", JWT: "X-u-2"}, websocket.ClosePolicyViolation, "another user"},
		{"bad token", Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: "garbage"}, websocket.ClosePolicyViolation, "invalid credentials"},
		{"missing token", Frame{Command: domain.CommandStart, BuildID: "b-1"}, websocket.ClosePolicyViolation, "missing credentials"},
		{"unknown build", Frame{Command: domain.CommandStart, BuildID: "b-404", JWT: "X-u-1"}, websocket.ClosePolicyViolation, "not found"},
		{"unknown command", Frame{Command: "restart", BuildID: "b-1", JWT: "X-u-1"}, websocket.CloseUnsupportedData, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, domain.BuildStatusNotStarted)
			if sub, ok := strings.CutPrefix(tt.frame.JWT, "X-"); ok {
				tt.frame.JWT = token(t, sub)
			}
			events, code, reason := readAll(t, h.dial(t, tt.frame))
			assert.Empty(t, events)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, reason, tt.reason)
			assert.Empty(t, h.broker.Calls(), "nothing reaches the queue")
			assert.Empty(t, h.builds.Statuses())
		})
	}
}

func TestStart_StreamFailureEndsSilently(t *testing.T) {
	h := newHarness(t, domain.BuildStatusStarted)
	h.broker.stream.events <- domain.ProgressEvent{State: domain.ProgressRunning, Message: "STARTING FUNCTION TESTING"}
	close(h.broker.stream.events)

	events, code, _ := readAll(t, h.dial(t, Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: token(t, "u-1")}))
	require.Len(t, events, 1)
	assert.Equal(t, domain.ProgressRunning, events[0].State)
	assert.Equal(t, websocket.CloseNormalClosure, code, "no error is raised to the client")
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"command":"cancel","build_id":"b-1","jwt":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, Frame{Command: domain.CommandCancel, BuildID: "b-1", JWT: "t"}, f)

	for _, body := range []string{`nope`, `{"command":"start"}`, `{"command":"stop","build_id":"b"}`} {
		_, err := DecodeFrame([]byte(body))
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve, body)
	}
}

func TestCloseReason_Truncates(t *testing.T) {
	assert.Equal(t, "short", CloseReason(errors.New("short")))
	assert.Len(t, CloseReason(errors.New(strings.Repeat("x", 300))), 123)
}
