// Package domain defines the core data types shared across the devrelay
// server, store, relay, and command layers.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ForwardMode selects how frames relayed through an endpoint are rewritten
// before delivery to peers.
type ForwardMode string

// Forwarding modes accepted for an [Endpoint].
const (
	ModeDirect       ForwardMode = "DIRECT"
	ModeJSON         ForwardMode = "JSON"
	ModeCustomHeader ForwardMode = "CUSTOM_HEADER"
)

// ParseForwardMode normalizes raw into a known [ForwardMode]. An empty value
// defaults to [ModeDirect].
func ParseForwardMode(raw string) (ForwardMode, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "-", "_")
	switch ForwardMode(v) {
	case "":
		return ModeDirect, nil
	case ModeDirect, ModeJSON, ModeCustomHeader:
		return ForwardMode(v), nil
	default:
		return "", ErrInvalidMode
	}
}

// SubjectKind identifies what a revocation applies to.
type SubjectKind string

const (
	SubjectUser     SubjectKind = "user"
	SubjectEndpoint SubjectKind = "endpoint"
)

// CommandStatus is the lifecycle state of a correlated command.
type CommandStatus string

// Command statuses. Pending is the only non-terminal state.
const (
	CommandPending CommandStatus = "pending"
	CommandSuccess CommandStatus = "success"
	CommandFailed  CommandStatus = "failed"
	CommandTimeout CommandStatus = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	return s == CommandSuccess || s == CommandFailed || s == CommandTimeout
}

// User is the tenant owning endpoints. Only the ban fields matter to the relay.
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
	BannedAt  *time.Time
	BanReason string
}

// Endpoint is a tenant-scoped relay namespace.
type Endpoint struct {
	ID             string
	UserID         string
	Name           string
	Mode           ForwardMode
	CustomHeader   string
	KeyHash        string
	CreatedAt      time.Time
	DisabledAt     *time.Time
	DisabledReason string
}

// Validate checks the mode/header pairing invariant.
func (e Endpoint) Validate() error {
	return ValidateMode(e.Mode, e.CustomHeader)
}

// ValidateMode reports whether header is consistent with mode: required and
// non-empty for CUSTOM_HEADER, absent otherwise.
func ValidateMode(mode ForwardMode, header string) error {
	switch mode {
	case ModeDirect, ModeJSON:
		if header != "" {
			return ErrInvalidMode
		}
	case ModeCustomHeader:
		if header == "" {
			return ErrInvalidMode
		}
	default:
		return ErrInvalidMode
	}
	return nil
}

// Disabled reports whether the endpoint is administratively disabled.
func (e Endpoint) Disabled() bool {
	return e.DisabledAt != nil
}

// BanState is a revocation fact for a user or endpoint.
type BanState struct {
	Kind        SubjectKind
	SubjectID   string
	Reason      string
	EffectiveAt time.Time
}

// RevocationEvent is a push invalidation published when a ban or disable is
// applied or lifted.
type RevocationEvent struct {
	Kind      SubjectKind `json:"kind"`
	SubjectID string      `json:"subject_id"`
	Revoked   bool        `json:"revoked"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}

// DeviceTarget addresses one device on one endpoint.
type DeviceTarget struct {
	EndpointID string `json:"endpoint_id"`
	DeviceID   string `json:"device_id"`
}

// DeviceGroup is a named set of device targets used for batch commands.
type DeviceGroup struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// DataEvent is emitted once per relayed data frame.
type DataEvent struct {
	EndpointID string          `json:"endpoint_id"`
	DeviceID   string          `json:"device_id"`
	Payload    []byte          `json:"-"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// CommandResult is emitted once per terminal command resolution.
type CommandResult struct {
	CommandID  string        `json:"command_id"`
	EndpointID string        `json:"endpoint_id"`
	DeviceID   string        `json:"device_id"`
	Status     CommandStatus `json:"status"`
	IssuedAt   time.Time     `json:"issued_at"`
	ResolvedAt time.Time     `json:"resolved_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// APIKey represents a management API key.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}
