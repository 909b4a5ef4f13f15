package domain

import "encoding/json"

// IssueCommandRequest is the JSON body for issuing a single device command.
type IssueCommandRequest struct {
	Payload   json.RawMessage `json:"payload"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// IssueCommandResponse is returned immediately with pending status.
type IssueCommandResponse struct {
	CommandID string        `json:"command_id"`
	Status    CommandStatus `json:"status"`
}

// CommandStatusResponse reports the current state of a command.
type CommandStatusResponse struct {
	CommandID  string        `json:"command_id"`
	EndpointID string        `json:"endpoint_id"`
	DeviceID   string        `json:"device_id"`
	Status     CommandStatus `json:"status"`
	DurationMS *int64        `json:"duration_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// SendBatchRequest is the JSON body for a group or explicit-target batch.
// Exactly one of GroupID and Targets must be set.
type SendBatchRequest struct {
	GroupID   string          `json:"group_id,omitempty"`
	Targets   []DeviceTarget  `json:"targets,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// BatchLegResponse is one leg of a batch.
type BatchLegResponse struct {
	EndpointID string        `json:"endpoint_id"`
	DeviceID   string        `json:"device_id"`
	CommandID  string        `json:"command_id,omitempty"`
	Status     CommandStatus `json:"status"`
	DurationMS *int64        `json:"duration_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
}

// BatchStatusResponse aggregates leg outcomes.
type BatchStatusResponse struct {
	BatchID string             `json:"batch_id"`
	Done    bool               `json:"done"`
	Success int                `json:"success"`
	Failed  int                `json:"failed"`
	Pending int                `json:"pending"`
	Timeout int                `json:"timeout"`
	Legs    []BatchLegResponse `json:"legs"`
}

// SetModeRequest changes an endpoint forwarding mode.
type SetModeRequest struct {
	Mode         string `json:"mode"`
	CustomHeader string `json:"custom_header,omitempty"`
}

// RevokeRequest carries the human-readable reason for a ban or disable.
type RevokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OnlineResponse lists currently connected devices of an endpoint.
type OnlineResponse struct {
	EndpointID string   `json:"endpoint_id"`
	Devices    []string `json:"devices"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
