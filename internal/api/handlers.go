package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/threatfabric/internal/apperr"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindBadRequest:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	case apperr.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.coord.Clients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleListIOCs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status:      model.Status(q.Get("status")),
		Type:        model.IOCType(q.Get("type")),
		ThreatLevel: model.ThreatLevel(q.Get("threat_level")),
		Since:       parseTimeParam(q.Get("since")),
	}
	iocs, err := s.coord.IOCs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"iocs": iocs})
}

func (s *Server) handleGetIOC(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ioc, err := s.coord.IOC(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ioc)
}

type reportThreatRequest struct {
	ClientID string                 `json:"client_id"`
	IOC      reportThreatSubmission `json:"ioc"`
}

type reportThreatSubmission struct {
	Type        string            `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel string            `json:"threat_level"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleReportThreat(w http.ResponseWriter, r *http.Request) {
	var req reportThreatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.BadRequest("malformed request body"))
		return
	}

	sub := model.IOCSubmission{
		Type:        model.IOCType(req.IOC.Type),
		Value:       req.IOC.Value,
		ThreatLevel: model.ThreatLevel(req.IOC.ThreatLevel),
		Metadata:    req.IOC.Metadata,
	}

	result, err := s.coord.ReportThreat(r.Context(), req.ClientID, sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ioc_id": result.IOCID,
		"status": result.Status,
	})
}

func (s *Server) handleSyncIntel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		writeError(w, apperr.BadRequest("client_id is required"))
		return
	}
	cursor := parseTimeParam(q.Get("cursor"))

	iocs, newCursor, err := s.coord.SyncIntel(r.Context(), clientID, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"iocs":   iocs,
		"cursor": newCursor.Unix(),
	})
}
