// Package bridge is the client-facing side of the dispatcher. A client opens
// a websocket session and sends a start or cancel frame; the bridge checks
// ownership, enqueues or attaches to the build and relays its progress
// events until a terminal one arrives.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"notebook-builder/internal/domain"
	"notebook-builder/internal/middleware"
	"notebook-builder/internal/queue"
	"notebook-builder/internal/service/build"
)

// QueuedMessage is the text of the synthetic Started event sent when a build
// is enqueued.
const QueuedMessage = "ADDING BUILD TO QUEUE"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 64 << 10
)

// Stream yields the progress events of one build.
// Implemented by *queue.ReplyStream.
type Stream interface {
	Next(ctx context.Context) (domain.ProgressEvent, error)
	Close() error
}

// Broker publishes commands and opens reply streams.
type Broker interface {
	PublishStart(ctx context.Context, buildID string) error
	PublishCancel(ctx context.Context, buildID string) error
	OpenReply(ctx context.Context, buildID string) (Stream, error)
}

// QueueBroker adapts *queue.Broker to Broker.
type QueueBroker struct {
	*queue.Broker
}

// OpenReply implements Broker.
func (b QueueBroker) OpenReply(ctx context.Context, buildID string) (Stream, error) {
	s, err := b.Broker.OpenReply(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Recorder receives session metrics.
// Implemented by metrics.Dispatch.
type Recorder interface {
	SessionOpened()
	SessionClosed()
	Command(command, result string)
	Relayed()
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()         {}
func (nopRecorder) SessionClosed()         {}
func (nopRecorder) Command(string, string) {}
func (nopRecorder) Relayed()               {}

// Config configures a Handler.
type Config struct {
	// LogBucket is where notebooks are staged for the workers.
	LogBucket string
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// or "*" allows any.
	AllowedOrigins []string
}

// Deps are the collaborators of a Handler. Metrics may be nil.
type Deps struct {
	Builds  domain.BuildRepository
	Users   domain.UserRepository
	Objects domain.ObjectStore
	Source  domain.NotebookSource
	Broker  Broker
	Tokens  middleware.TokenValidator
	Metrics Recorder
}

// Handler serves bridge sessions.
type Handler struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps, logger *slog.Logger) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	h := &Handler{cfg: cfg, deps: deps, logger: logger.With("component", "bridge")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs one session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	h.deps.Metrics.SessionOpened()
	defer h.deps.Metrics.SessionClosed()

	s := &session{
		h:      h,
		conn:   conn,
		logger: middleware.LoggerFrom(r.Context(), h.logger),
	}
	s.run(context.WithoutCancel(r.Context()))
}

// session is one client connection.
type session struct {
	h      *Handler
	conn   *websocket.Conn
	logger *slog.Logger
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close() //nolint:errcheck

	s.conn.SetReadLimit(maxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Debug("session ended before a frame arrived", "error", err)
		return
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		s.close(websocket.CloseUnsupportedData, err)
		return
	}
	s.logger = s.logger.With("build_id", frame.BuildID, "command", frame.Command)

	// The client sends nothing after its frame; reading on keeps pongs
	// flowing and notices a disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := s.conn.NextReader(); err != nil {
				return
			}
		}
	}()

	b, err := s.authorize(ctx, frame)
	if err != nil {
		s.h.deps.Metrics.Command(string(frame.Command), "denied")
		s.logger.Info("frame rejected", "error", err)
		s.close(websocket.ClosePolicyViolation, err)
		return
	}

	switch frame.Command {
	case domain.CommandCancel:
		err = s.cancel(ctx, b)
	default:
		err = s.start(ctx, b)
	}
	if err != nil {
		s.h.deps.Metrics.Command(string(frame.Command), "error")
		s.logger.Warn("session ended with error", "error", err)
		s.close(websocket.CloseInternalServerErr, err)
		return
	}
	s.h.deps.Metrics.Command(string(frame.Command), "ok")
	s.close(websocket.CloseNormalClosure, nil)
}

// authorize validates the frame's credentials and checks that the caller owns
// the build. Nothing touches the queue before it succeeds.
func (s *session) authorize(ctx context.Context, f Frame) (*domain.BuildJob, error) {
	userID, err := middleware.Authenticate(ctx, s.h.deps.Tokens, f.JWT)
	if err != nil {
		return nil, err
	}
	b, err := s.h.deps.Builds.GetByID(ctx, f.BuildID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, domain.ErrAccessDenied("build %s belongs to another user", f.BuildID)
	}
	return b, nil
}

func (s *session) cancel(ctx context.Context, b *domain.BuildJob) error {
	if err := s.h.deps.Broker.PublishCancel(ctx, b.ID); err != nil {
		return err
	}
	s.logger.Info("cancel published")
	return nil
}

func (s *session) start(ctx context.Context, b *domain.BuildJob) error {
	if b.Status == domain.BuildStatusQueued || b.Status == domain.BuildStatusStarted {
		return s.attach(ctx, b.ID)
	}

	queued := domain.BuildStatusQueued
	won, err := s.h.deps.Builds.UpdateIfStatus(ctx, b.ID, domain.Restartable, domain.BuildUpdate{Status: &queued})
	if err != nil {
		return err
	}
	if !won {
		// Another session enqueued it between our read and the update.
		return s.attach(ctx, b.ID)
	}

	stream, err := s.enqueue(ctx, b)
	if err != nil {
		s.restoreStatus(ctx, b)
		return err
	}
	defer stream.Close() //nolint:errcheck
	s.logger.Info("build enqueued")
	s.relay(ctx, stream)
	return nil
}

func (s *session) attach(ctx context.Context, id string) error {
	s.logger.Info("build already has an execution, attaching")
	stream, err := s.h.deps.Broker.OpenReply(ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck

	// An execution that ended before the stream was bound sends nothing more.
	if b, err := s.h.deps.Builds.GetByID(ctx, id); err == nil && b.Status.IsTerminal() {
		s.logger.Info("build ended before attaching", "status", b.Status)
		if err := s.send(domain.ProgressEvent{State: domain.ProgressStateFor(b.Status), Message: "build already ended: " + string(b.Status)}); err != nil {
			s.logger.Debug("client went away", "error", err)
		}
		return nil
	}
	s.relay(ctx, stream)
	return nil
}

// enqueue stages the notebook, opens the reply stream and publishes the start
// message, in that order.
func (s *session) enqueue(ctx context.Context, b *domain.BuildJob) (Stream, error) {
	if err := s.stageNotebook(ctx, b); err != nil {
		return nil, err
	}
	if err := s.send(domain.ProgressEvent{State: domain.ProgressStarted, Message: QueuedMessage}); err != nil {
		s.logger.Debug("client went away before enqueue", "error", err)
	}
	stream, err := s.h.deps.Broker.OpenReply(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if err := s.h.deps.Broker.PublishStart(ctx, b.ID); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// restoreStatus undoes the move to Queued when no start message went out, so
// the build is not left waiting on an execution that will never come.
func (s *session) restoreStatus(ctx context.Context, b *domain.BuildJob) {
	prev := b.Status
	ctx = context.WithoutCancel(ctx)
	if _, err := s.h.deps.Builds.UpdateIfStatus(ctx, b.ID, []domain.BuildStatus{domain.BuildStatusQueued}, domain.BuildUpdate{Status: &prev}); err != nil {
		s.logger.Warn("restore build status failed", "status", prev, "error", err)
	}
}

func (s *session) stageNotebook(ctx context.Context, b *domain.BuildJob) error {
	user, err := s.h.deps.Users.GetByID(ctx, b.UserID)
	if err != nil {
		return err
	}
	nb, err := s.h.deps.Source.FetchNotebook(ctx, user, b.Source)
	if err != nil {
		return err
	}
	return s.h.deps.Objects.Put(ctx, build.NotebookURI(s.h.cfg.LogBucket, b.ID), nb)
}

// relay forwards events until a terminal one has been sent. Stream and
// connection failures end it without telling the client.
func (s *session) relay(ctx context.Context, stream Stream) {
	events := make(chan domain.ProgressEvent)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.State.IsTerminal() {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errc:
					s.logger.Debug("relay ended", "error", err)
				default:
				}
				return
			}
			if err := s.send(ev); err != nil {
				s.logger.Debug("client went away", "error", err)
				return
			}
			s.h.deps.Metrics.Relayed()
			if ev.State.IsTerminal() {
				s.logger.Info("relay finished", "state", ev.State)
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) send(ev domain.ProgressEvent) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *session) close(code int, err error) {
	reason := ""
	if err != nil {
		reason = CloseReason(err)
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
