// Package api serves the queue operations over the IBM MQ messaging REST mapping.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/messaging"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Route and header names of the messaging REST mapping.
const (
	queuePath = "/ibmmq/rest/v2/messaging/qmgr/{qmgr}/queue/{queue}"

	headerCorrelationID = "ibm-mq-md-correlationId"
	headerExpiry        = "ibm-mq-md-expiry"
	headerPersistence   = "ibm-mq-md-persistence"
	headerReplyTo       = "ibm-mq-md-replyTo"
	// ibm-mq-rest-csrf-token is accepted on every request and not checked.
)

// ErrUnknownQueueManager is returned when the path names a queue manager other than the
// one the bridge is connected to.
var ErrUnknownQueueManager = errors.New("unknown queue manager")

// Messaging is the set of queue operations the server exposes.
type Messaging interface {
	QueueManagerName() string
	ListMessages(ctx context.Context, queueName string, filter messaging.Filter, limit string) messaging.Result
	GetMessage(ctx context.Context, queueName string, filter messaging.Filter) messaging.Result
	DeleteMessage(ctx context.Context, queueName string, filter messaging.Filter, wait string) messaging.Result
	PutMessage(ctx context.Context, queueName string, req messaging.PutRequest) messaging.Result
	Reject(err error) messaging.Result
}

// Session reports whether a queue manager session is established.
type Session interface {
	Connection() mq.Conn
}

// Server routes HTTP requests to a Messaging implementation.
type Server struct {
	svc         Messaging
	session     Session
	maxBodySize int64
	mux         *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithSession makes /healthz report the session state.
func WithSession(session Session) Option {
	return func(s *Server) { s.session = session }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.mux.Handle("GET /metrics", h) }
}

// WithHandler mounts h under pattern, for example the MCP endpoint.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.mux.Handle(pattern, h) }
}

// WithMaxBodySize bounds insert bodies. The default is mq.MaxMessageLength.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// NewServer creates a Server.
func NewServer(svc Messaging, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		maxBodySize: mq.MaxMessageLength,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("GET "+queuePath+"/messagelist", s.handleListMessages)
	s.mux.HandleFunc("GET "+queuePath+"/message", s.handleGetMessage)
	s.mux.HandleFunc("DELETE "+queuePath+"/message", s.handleDeleteMessage)
	s.mux.HandleFunc("POST "+queuePath+"/message", s.handlePutMessage)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	slog.Debug("HTTP request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start))
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout. maxConns > 0 caps concurrently accepted connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener, maxConns int, shutdownTimeout time.Duration) error {
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", ln.Addr().String(), "maxConns", maxConns)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	queueName, ok := s.target(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res := s.svc.ListMessages(r.Context(), queueName, filterFrom(r), q.Get("limit"))
	writeResult(w, res, http.StatusOK)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	queueName, ok := s.target(w, r)
	if !ok {
		return
	}
	writeBody(w, s.svc.GetMessage(r.Context(), queueName, filterFrom(r)))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	queueName, ok := s.target(w, r)
	if !ok {
		return
	}
	res := s.svc.DeleteMessage(r.Context(), queueName, filterFrom(r), r.URL.Query().Get("wait"))
	writeBody(w, res)
}

func (s *Server) handlePutMessage(w http.ResponseWriter, r *http.Request) {
	queueName, ok := s.target(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			res := s.svc.Reject(fmt.Errorf("message body exceeds %d bytes", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, res.Body)
			return
		}
		res := s.svc.Reject(fmt.Errorf("failed to read message body: %w", err))
		writeJSON(w, http.StatusBadRequest, res.Body)
		return
	}

	res := s.svc.PutMessage(r.Context(), queueName, messaging.PutRequest{
		Body:          string(body),
		CorrelationID: r.Header.Get(headerCorrelationID),
		Expiry:        r.Header.Get(headerExpiry),
		Persistence:   r.Header.Get(headerPersistence),
		ReplyTo:       r.Header.Get(headerReplyTo),
	})
	if res.Fault != nil {
		writeJSON(w, statusFor(res.Err), res.Body)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.session != nil && s.session.Connection() == nil {
		writeJSON(w, http.StatusServiceUnavailable, `{"status": "disconnected"}`)
		return
	}
	writeJSON(w, http.StatusOK, `{"status": "ok"}`)
}

// target returns the queue named by the path, or writes a 404 envelope when the path names
// a different queue manager.
func (s *Server) target(w http.ResponseWriter, r *http.Request) (string, bool) {
	qmgr := r.PathValue("qmgr")
	if qmgr != s.svc.QueueManagerName() {
		slog.Warn("Request for unknown queue manager", "qmgr", qmgr, "path", r.URL.Path)
		res := s.svc.Reject(fmt.Errorf("%w %q", ErrUnknownQueueManager, qmgr))
		writeJSON(w, http.StatusNotFound, res.Body)
		return "", false
	}
	return r.PathValue("queue"), true
}

func filterFrom(r *http.Request) messaging.Filter {
	q := r.URL.Query()
	return messaging.Filter{
		CorrelationID: q.Get("correlationId"),
		MessageID:     q.Get("messageId"),
	}
}

// writeBody writes a single message body. No match renders as 204.
func writeBody(w http.ResponseWriter, res messaging.Result) {
	if res.Fault == nil && res.Matched == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeResult(w, res, http.StatusOK)
}

func writeResult(w http.ResponseWriter, res messaging.Result, okStatus int) {
	if res.Fault != nil {
		writeJSON(w, statusFor(res.Err), res.Body)
		return
	}
	writeJSON(w, okStatus, res.Body)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, body); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// statusFor maps an operation fault onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownQueueManager):
		return http.StatusNotFound
	case errors.Is(err, mq.ErrInvalidIdentifier), errors.Is(err, messaging.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, mq.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch mq.ReasonOf(err) {
	case mq.RCUnknownObjectName:
		return http.StatusNotFound
	case mq.RCNotAuthorized:
		return http.StatusForbidden
	case mq.RCQMgrNotAvailable, mq.RCConnectionBroken, mq.RCQMgrQuiescing, mq.RCHconnError, mq.RCResourceProblem:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer when it supports flushing.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
