// Package relayproto defines the frames and close codes exchanged between the
// devrelay server and devices over a WebSocket connection.
package relayproto

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/koltyakov/devrelay/internal/transform"
)

// Close codes sent by the server.
const (
	// CloseSuperseded is sent to a connection replaced by a newer one for
	// the same device.
	CloseSuperseded = 4000
	// ClosePolicyViolation is sent when a ban or disable applies.
	ClosePolicyViolation = websocket.ClosePolicyViolation
	// CloseGoingAway is sent on server shutdown.
	CloseGoingAway = websocket.CloseGoingAway
	// CloseInternalError is sent when the server fails mid-connection.
	CloseInternalError = websocket.CloseInternalServerErr
)

// ReasonSuperseded is the close reason paired with [CloseSuperseded].
const ReasonSuperseded = "superseded"

// maxCloseReason is the largest reason a close frame can carry (125 byte
// control payload minus the 2 byte code).
const maxCloseReason = 123

// FrameKind classifies an inbound device frame.
type FrameKind int

const (
	// FrameData is application data relayed to peers.
	FrameData FrameKind = iota
	// FrameAck carries a command id and may acknowledge a command. Callers
	// confirm the id names a known command before treating it as one.
	FrameAck
	// FramePing is an application-level keepalive answered with a pong.
	FramePing
)

func (k FrameKind) String() string {
	switch k {
	case FrameAck:
		return "ack"
	case FramePing:
		return "ping"
	default:
		return "data"
	}
}

// Ack is a device's reply to a command frame.
type Ack struct {
	CommandID string
	Success   bool
	Error     string
}

// Classify inspects a frame without fully decoding it. Frames that are not
// JSON objects are always data.
func Classify(payload []byte) FrameKind {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return FrameData
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return FrameData
	}
	typ := root.Get("type").String()
	if typ == transform.TypeCommand {
		return FrameData
	}
	if commandIDOf(root) != "" {
		return FrameAck
	}
	if typ == "ping" {
		return FramePing
	}
	return FrameData
}

// ParseAck extracts the acknowledgment fields from payload. The outcome is
// read from "success" or "data.success"; when neither is present the ack
// counts as a success unless it carries an error message.
func ParseAck(payload []byte) (Ack, bool) {
	if !gjson.ValidBytes(payload) {
		return Ack{}, false
	}
	root := gjson.ParseBytes(payload)
	id := commandIDOf(root)
	if id == "" {
		return Ack{}, false
	}
	ack := Ack{CommandID: id}
	for _, path := range []string{"error", "message", "data.error"} {
		if v := root.Get(path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			ack.Error = strings.TrimSpace(v.Str)
			break
		}
	}
	switch success := firstExisting(root, "success", "data.success"); {
	case success.Exists():
		ack.Success = success.Bool()
	default:
		ack.Success = ack.Error == ""
	}
	return ack, true
}

// CommandFrame builds the frame delivered to a device for a command, before
// the endpoint's forwarding mode is applied. Valid JSON payloads are embedded
// as-is; anything else is sent as a JSON string.
func CommandFrame(commandID string, payload []byte, now time.Time) []byte {
	env := transform.Wrap(payload)
	env.Type = transform.TypeCommand
	env.CommandID = commandID
	env.Timestamp = now.UnixMilli()
	return env.Marshal()
}

// Pong is the reply to an application-level ping.
func Pong(now time.Time) []byte {
	b, _ := json.Marshal(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{Type: "pong", Timestamp: now.UnixMilli()})
	return b
}

// CloseReason trims reason to fit a close frame without splitting a rune.
func CloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// CloseMessage formats a close frame payload.
func CloseMessage(code int, reason string) []byte {
	return websocket.FormatCloseMessage(code, CloseReason(reason))
}

func commandIDOf(root gjson.Result) string {
	for _, path := range []string{"commandId", "command_id"} {
		if v := root.Get(path); v.Type == gjson.String {
			if id := strings.TrimSpace(v.Str); id != "" {
				return id
			}
		}
	}
	return ""
}

func firstExisting(root gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
