package worker

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/openfleet/sqlite-worker/go/database"
	"github.com/openfleet/sqlite-worker/go/registry"
	"github.com/openfleet/sqlite-worker/go/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// APIError is the error half of the response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// APIResponse is the envelope shared by every JSON response:
// { "error": null | {...}, "response": any | null }.
type APIResponse struct {
	Error    *APIError   `json:"error"`
	Response interface{} `json:"response"`
}

// Server is the worker's HTTP surface: thin request routing and JSON
// (de)serialization in front of the registry and the row store.
type Server struct {
	registry *registry.Registry
	store    store.DatabasesStore
}

// NewServer returns a Server over the registry and row store.
func NewServer(reg *registry.Registry, st store.DatabasesStore) *Server {
	return &Server{registry: reg, store: st}
}

// RegisterAPIs registers all worker APIs with the router.
func (s *Server) RegisterAPIs(router *mux.Router) {
	router.Use(requestLog)

	router.
		Path("/").
		Methods("GET").
		HandlerFunc(serveIndex)
	router.
		Path("/databases/{database_id}").
		Methods("POST").
		HandlerFunc(s.serveDatabaseQuery)
	router.
		Path("/databases/{database_id}/tables/{table_id}/rows").
		Methods("POST").
		HandlerFunc(s.serveRowsUpsert)
	router.
		Path("/databases/{database_id}/tables/{table_id}/rows").
		Methods("GET").
		HandlerFunc(s.serveRowsList)
	router.
		Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())
}

func serveIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Welcome to SQLite worker."))
}

func (s *Server) serveDatabaseQuery(w http.ResponseWriter, r *http.Request) {
	var databaseID = mux.Vars(r)["database_id"]

	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err)
		return
	}

	result, err := s.registry.Query(r.Context(), databaseID, body.Query)
	if err != nil {
		queriesServedCounter.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal_server_error", err)
		return
	}
	queriesServedCounter.WithLabelValues("ok").Inc()
	writeResponse(w, result)
}

func (s *Server) serveRowsUpsert(w http.ResponseWriter, r *http.Request) {
	var v = mux.Vars(r)
	var databaseID, tableID = v["database_id"], v["table_id"]

	var body struct {
		Rows     []database.Row `json:"rows"`
		Truncate *bool          `json:"truncate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	var truncate bool
	if body.Truncate != nil {
		truncate = *body.Truncate
	}

	if err := s.store.BatchUpsert(r.Context(), databaseID, tableID, body.Rows, truncate); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_server_error", err)
		return
	}
	// The handle is removed before the response is sent, so a query arriving
	// after this upsert returns rebuilds and observes the new rows.
	s.registry.Invalidate(databaseID)
	rowsUpsertedCounter.Add(float64(len(body.Rows)))

	writeResponse(w, map[string]interface{}{"success": true})
}

func (s *Server) serveRowsList(w http.ResponseWriter, r *http.Request) {
	var v = mux.Vars(r)
	var databaseID, tableID = v["database_id"], v["table_id"]

	lo, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pagination", err)
		return
	}

	rows, total, err := s.store.ListRows(r.Context(), databaseID, tableID, lo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_server_error", err)
		return
	}
	if rows == nil {
		rows = []database.Row{}
	}
	writeResponse(w, map[string]interface{}{
		"rows":  rows,
		"total": total,
	})
}

// parseLimitOffset reads ?limit&offset. Both must be present to paginate.
func parseLimitOffset(r *http.Request) (*database.LimitOffset, error) {
	var q = r.URL.Query()
	if q.Get("limit") == "" || q.Get("offset") == "" {
		return nil, nil
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		return nil, err
	}
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil {
		return nil, err
	}
	return &database.LimitOffset{Limit: limit, Offset: offset}, nil
}

func writeResponse(w http.ResponseWriter, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(APIResponse{Response: response})
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	var apiErr = &APIError{Code: code, Message: err.Error()}

	var queryErr *database.QueryError
	if errors.As(err, &queryErr) {
		apiErr.Kind = string(queryErr.Kind)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Error: apiErr})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLog emits one structured log line per response.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var started = time.Now()
		var recorder = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": recorder.status,
			"took":   time.Since(started),
		}).Info("request served")
	})
}
