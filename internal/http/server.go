// Package http serves the engine over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"mvccdb/pkg/batch"
	"mvccdb/pkg/db"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/metrics"
	"mvccdb/pkg/store"
	"mvccdb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	defaultScanLimit       = 1000
)

type iEngine interface {
	Get(key types.Key) (types.Value, bool, error)
	ApplyWrite(wb *batch.WriteBatch) error
	ApplyRead(rb *batch.ReadBatch) (batch.ReadResult, error)
	Scan(lower, upper []byte) (db.Iterator, error)
	Begin() (*store.Transaction, error)
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	LevelStats() ([]store.LevelStat, error)
	Metrics() *metrics.Metrics
}

// Server represents the HTTP server in front of an engine.
type Server struct {
	engine            iEngine
	logger            *slog.Logger
	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance
func NewServer(engine iEngine, port string, logger *slog.Logger) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:            engine,
		logger:            logger.With("component", "http"),
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shutdown HTTP server")
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.engine.Metrics().Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/get", s.handleGet)
		r.Put("/put", s.handlePut)
		r.Post("/put", s.handlePut)
		r.Delete("/delete", s.handleDelete)
		r.Post("/batch", s.handleBatch)
		r.Get("/scan", s.handleScan)
		r.Post("/txn", s.handleTxn)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)
		r.Get("/levels", s.handleLevels)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps the engine's error classes onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case dberrors.IsConflict(err):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrState):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.engine.Get([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	wb := batch.NewWrite()
	wb.Insert([]byte(key), []byte(r.FormValue("value")))
	if err := s.engine.ApplyWrite(wb); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	wb := batch.NewWrite()
	wb.Remove([]byte(key))
	if err := s.engine.ApplyWrite(wb); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	wb := batch.NewWrite()
	if err := addOps(wb, req.Ops); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.engine.ApplyWrite(wb); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func addOps(wb *batch.WriteBatch, ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return errors.New("op without key")
		}
		switch strings.ToLower(op.Op) {
		case "put":
			wb.Insert([]byte(op.Key), []byte(op.Value))
		case "delete":
			wb.Remove([]byte(op.Key))
		default:
			return errors.Newf("unknown op %q", op.Op)
		}
	}
	return nil
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultScanLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		limit = n
	}

	var start, end []byte
	if v := q.Get("start"); v != "" {
		start = []byte(v)
	}
	if v := q.Get("end"); v != "" {
		end = []byte(v)
	}

	items := []Item{}
	err := db.SearchRange(r.Context(), s.engine, start, end, db.SearchOptions{Limit: limit}, func(res db.SearchResult) error {
		items = append(items, Item{Key: string(res.Key), Value: string(res.Value), Found: true})
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewItemsResponse(items))
}

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request) {
	var req TxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	consistency := store.Optimistic
	switch strings.ToLower(req.Consistency) {
	case "", "optimistic":
	case "synchronous":
		consistency = store.Synchronous
	default:
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Unknown consistency "+req.Consistency))
		return
	}

	wb := batch.NewWrite()
	if err := addOps(wb, req.Ops); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	txn, err := s.engine.Begin()
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer txn.Discard()

	rb := batch.NewRead()
	for _, k := range req.Reads {
		rb.Get([]byte(k))
	}
	res, err := txn.Read(rb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := txn.Write(wb); err != nil {
		s.writeError(w, err)
		return
	}
	if err := txn.Commit(consistency); err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]Item, 0, res.Len())
	for _, it := range res.Items {
		items = append(items, Item{Key: string(it.Key), Value: string(it.Value), Found: it.Found})
	}
	resp := NewItemsResponse(items)
	resp.Timestamp = txn.ReadTimestamp()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := s.engine.LevelStats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Levels: levels})
}
