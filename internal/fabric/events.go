package fabric

import (
	"encoding/json"

	"github.com/ocx/threatfabric/internal/model"
)

// Inbound events arrive from the transport (WebSocket frames today;
// any framed transport would do) and are translated 1:1 into calls on
// the aggregator and trust manager.

type registerEvent struct {
	ClientID string `json:"client_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

type heartbeatEvent struct {
	ClientID string `json:"client_id"`
	At       int64  `json:"at"`
}

type reportThreatEvent struct {
	ClientID string           `json:"client_id"`
	IOC      iocSubmissionDTO `json:"ioc"`
}

type iocSubmissionDTO struct {
	Type        string            `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel string            `json:"threat_level"`
	Metadata    map[string]string `json:"metadata"`
}

func (d iocSubmissionDTO) toModel() model.IOCSubmission {
	return model.IOCSubmission{
		Type:        model.IOCType(d.Type),
		Value:       d.Value,
		ThreatLevel: model.ThreatLevel(d.ThreatLevel),
		Metadata:    d.Metadata,
	}
}

type syncRequestEvent struct {
	ClientID string `json:"client_id"`
	Cursor   int64  `json:"cursor"`
}

// inboundEnvelope is the outer frame every inbound WebSocket message
// carries: an event discriminator plus a raw payload decoded per-type.
type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound events, fanned out (ioc_verified, client_status) or
// unicast (report_ack, sync_response) to sessions.

type reportAckEvent struct {
	Event  string `json:"event"`
	IOCID  string `json:"ioc_id"`
	Status string `json:"status"`
}

type reportNackEvent struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

type iocVerifiedEvent struct {
	Event string    `json:"event"`
	IOC   *iocDTO   `json:"ioc"`
}

type clientStatusEvent struct {
	Event    string  `json:"event"`
	ClientID string  `json:"client_id"`
	Online   bool    `json:"online"`
	Trust    float64 `json:"trust"`
}

type syncResponseEvent struct {
	Event  string    `json:"event"`
	IOCs   []*iocDTO `json:"iocs"`
	Cursor int64     `json:"cursor"`
}

type iocDTO struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel string            `json:"threat_level"`
	Status      string            `json:"status"`
	FirstSeen   int64             `json:"first_seen"`
	LastSeen    int64             `json:"last_seen"`
	ReportCount int               `json:"report_count"`
	VerifiedAt  *int64            `json:"verified_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func iocToDTO(ioc *model.IOC) *iocDTO {
	dto := &iocDTO{
		ID:          ioc.ID,
		Type:        string(ioc.Type),
		Value:       ioc.Value,
		ThreatLevel: string(ioc.ThreatLevel),
		Status:      string(ioc.Status),
		FirstSeen:   ioc.FirstSeen.Unix(),
		LastSeen:    ioc.LastSeen.Unix(),
		ReportCount: ioc.ReportCount,
		Metadata:    ioc.Metadata,
	}
	if ioc.VerifiedAt != nil {
		v := ioc.VerifiedAt.Unix()
		dto.VerifiedAt = &v
	}
	return dto
}
