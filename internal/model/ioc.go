// Package model defines the shared data types for the threat-intelligence
// exchange: indicators of compromise, reporter provenance, and trust
// records. Types here are plain data — the stateful logic that mutates
// them lives in internal/trust and internal/aggregator.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// IOCType is a tagged variant over the kinds of indicator the exchange
// accepts. New types are added here, not by introducing new structs.
type IOCType string

const (
	IOCFileHash    IOCType = "file_hash"
	IOCIPAddress   IOCType = "ip_address"
	IOCDomain      IOCType = "domain"
	IOCURL         IOCType = "url"
	IOCEmail       IOCType = "email"
	IOCRegistryKey IOCType = "registry_key"
	IOCFilePath    IOCType = "file_path"
	IOCProcessName IOCType = "process_name"
)

func (t IOCType) Valid() bool {
	switch t {
	case IOCFileHash, IOCIPAddress, IOCDomain, IOCURL, IOCEmail, IOCRegistryKey, IOCFilePath, IOCProcessName:
		return true
	}
	return false
}

// ThreatLevel is ordered low < medium < high < critical.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var threatRank = map[ThreatLevel]int{
	ThreatLow:      0,
	ThreatMedium:   1,
	ThreatHigh:     2,
	ThreatCritical: 3,
}

func (t ThreatLevel) Valid() bool {
	_, ok := threatRank[t]
	return ok
}

// Rank returns the ordinal of the threat level, or -1 if unknown.
func (t ThreatLevel) Rank() int {
	if r, ok := threatRank[t]; ok {
		return r
	}
	return -1
}

// Status is the IOC lifecycle state: pending -> verified -> expired.
// verified is terminal except for the explicit expire transition;
// verified -> pending is never allowed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
)

// IOC is an indicator of compromise aggregated from one or more reporters.
type IOC struct {
	ID           string
	Type         IOCType
	Value        string // canonicalized
	ThreatLevel  ThreatLevel
	Status       Status
	FirstSeen    time.Time
	LastSeen     time.Time
	ReportCount  int
	VerifiedAt   *time.Time
	Metadata     map[string]string
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries (metadata map is copied, scalar fields by value).
func (i *IOC) Clone() *IOC {
	if i == nil {
		return nil
	}
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.VerifiedAt != nil {
		t := *i.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}

// CanonicalizeValue normalizes a raw indicator value per its type so that
// identical observations always hash to the same IOC ID. It returns an
// error for a value that fails type-specific validation.
func CanonicalizeValue(t IOCType, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", fmt.Errorf("empty value for type %s", t)
	}

	switch t {
	case IOCFileHash:
		v = strings.ToLower(v)
		for _, r := range v {
			isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
			if !isHex {
				return "", fmt.Errorf("file_hash value is not hex: %q", raw)
			}
		}
		switch len(v) {
		case 32, 40, 64, 128: // md5, sha1, sha256, sha512
		default:
			return "", fmt.Errorf("file_hash value has unexpected length %d", len(v))
		}
		return v, nil

	case IOCIPAddress:
		ip := net.ParseIP(v)
		if ip == nil {
			return "", fmt.Errorf("invalid ip_address: %q", raw)
		}
		return ip.String(), nil

	case IOCDomain:
		v = strings.ToLower(v)
		v = strings.TrimSuffix(v, ".")
		if !strings.Contains(v, ".") {
			return "", fmt.Errorf("invalid domain: %q", raw)
		}
		return v, nil

	case IOCURL:
		// Canonical form keeps scheme+host lowercase, path/query untouched.
		lower := strings.ToLower(v)
		idx := strings.Index(v, "://")
		if idx < 0 {
			return "", fmt.Errorf("invalid url (missing scheme): %q", raw)
		}
		schemeHost := lower[:idx]
		rest := v[idx:]
		// lower-case host portion only
		slash := strings.Index(rest[3:], "/")
		if slash < 0 {
			return schemeHost + strings.ToLower(rest), nil
		}
		hostPart := strings.ToLower(rest[:3+slash])
		return schemeHost + hostPart + rest[3+slash:], nil

	case IOCEmail:
		v = strings.ToLower(v)
		if !strings.Contains(v, "@") {
			return "", fmt.Errorf("invalid email: %q", raw)
		}
		return v, nil

	case IOCRegistryKey:
		return strings.TrimSpace(v), nil

	case IOCFilePath:
		v = strings.TrimSpace(v)
		v = strings.ReplaceAll(v, "\\", "/")
		return v, nil

	case IOCProcessName:
		return strings.ToLower(strings.TrimSpace(v)), nil
	}

	return "", fmt.Errorf("unknown ioc_type %q", t)
}

// ComputeID derives the deterministic fingerprint for an IOC: a stable hash
// of (type, canonical value). Identical type+value always produce an
// identical ID — this is a pure function, never a function of time or
// reporter.
func ComputeID(t IOCType, canonicalValue string) string {
	h := sha256.New()
	h.Write([]byte(string(t)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalValue))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
