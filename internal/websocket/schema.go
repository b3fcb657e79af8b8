package websocket

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionFrame             Action = "frame"
	ActionAudio             Action = "audio"
	ActionDeviceReady       Action = "device_ready"
	ActionDeviceUnavailable Action = "device_unavailable"
	ActionPing              Action = "ping"
)

// Device names a capture device in device_* actions.
type Device string

const (
	DeviceCamera     Device = "camera"
	DeviceMicrophone Device = "microphone"
)

// RequestPayload is the single inbound message shape. Data carries a
// base64 JPEG frame or base64 PCM16LE audio; Device and Reason are used by
// the device_* actions.
type RequestPayload struct {
	Action Action `json:"action"`
	Data   string `json:"data,omitempty"`
	Device Device `json:"device,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventStarted        Event = "started"
	EventTick           Event = "tick"
	EventViolation      Event = "violation"
	EventDetection      Event = "detection"
	EventMonitorStopped Event = "monitor_stopped"
	EventAnswerSaved    Event = "answer_saved"
	EventCompleted      Event = "completed"
	EventError          Event = "error"
	EventPong           Event = "pong"
	// EventSnapshot opens the watch feed with the current progress.
	EventSnapshot       Event = "snapshot"
)

// Message is the outbound envelope shared by the candidate stream, the
// proctor watch feed and the Redis channel.
type Message struct {
	Event     Event     `json:"event"`
	SessionID uuid.UUID `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewMessage stamps an event for sessionID with the current time.
func NewMessage(event Event, sessionID uuid.UUID, data any) Message {
	return Message{Event: event, SessionID: sessionID, Timestamp: time.Now().UTC(), Data: data}
}

type TickData struct {
	RemainingSeconds float64 `json:"remaining_seconds"`
}

type MonitorStoppedData struct {
	Modality model.Modality      `json:"modality"`
	Kind     model.ViolationKind `json:"kind"`
	Reason   string              `json:"reason"`
}

type AnswerSavedData struct {
	QuestionID uuid.UUID `json:"question_id"`
	Option     string    `json:"option"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
