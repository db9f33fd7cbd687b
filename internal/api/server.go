// Package api exposes the Coordinator Facade over HTTP/JSON, the
// read-mostly mirror of the WebSocket event channel in internal/fabric.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/threatfabric/internal/facade"
	"github.com/ocx/threatfabric/internal/middleware"
)

// Server is the HTTP front door: GET /status, /clients, /iocs[/{id}],
// POST /report_threat, GET /sync_intel, GET /health, plus the
// WebSocket upgrade endpoint for the event channel.
type Server struct {
	coord   *facade.Coordinator
	serveWS http.HandlerFunc
	limiter *middleware.RateLimiter
}

func NewServer(coord *facade.Coordinator, serveWS http.HandlerFunc, limiter *middleware.RateLimiter) *Server {
	return &Server{coord: coord, serveWS: serveWS, limiter: limiter}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/clients", s.handleClients).Methods("GET")
	r.HandleFunc("/iocs", s.handleListIOCs).Methods("GET")
	r.HandleFunc("/iocs/{id}", s.handleGetIOC).Methods("GET")
	r.Handle("/report_threat", s.limiter.Middleware(http.HandlerFunc(s.handleReportThreat))).Methods("POST")
	r.HandleFunc("/sync_intel", s.handleSyncIntel).Methods("GET")
	r.HandleFunc("/ws", s.serveWS).Methods("GET")

	return r
}

func (s *Server) ListenAndServe(addr string) error {
	log.Printf("[api] listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseTimeParam(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if secs, err := parseUnix(raw); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseUnix(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
