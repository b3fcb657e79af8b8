package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationKind classifies a proctoring-integrity concern.
type ViolationKind string

const (
	ViolationNoFace          ViolationKind = "no_face"
	ViolationMultipleFaces   ViolationKind = "multiple_faces"
	ViolationLookingAway     ViolationKind = "looking_away"
	ViolationSuspiciousAudio ViolationKind = "suspicious_audio"
	ViolationCameraError     ViolationKind = "camera_error"
	ViolationAudioError      ViolationKind = "audio_error"
	ViolationModelError      ViolationKind = "model_error"
)

// ViolationKinds lists every kind, in a stable order.
var ViolationKinds = []ViolationKind{
	ViolationNoFace,
	ViolationMultipleFaces,
	ViolationLookingAway,
	ViolationSuspiciousAudio,
	ViolationCameraError,
	ViolationAudioError,
	ViolationModelError,
}

// IsSensorFailure reports whether the kind signals a disabled modality
// rather than candidate behaviour.
func (k ViolationKind) IsSensorFailure() bool {
	switch k {
	case ViolationCameraError, ViolationAudioError, ViolationModelError:
		return true
	}
	return false
}

// Violation is an immutable entry of a session's violation log.
//
// RecordedAt is the wall clock. Offset is the monotonic time elapsed since
// the session started. Seq is the 1-based position in the log and Digest
// chains the entry to its predecessor.
type Violation struct {
	Seq         int           `json:"seq"`
	SessionID   uuid.UUID     `json:"session_id"`
	Kind        ViolationKind `json:"kind"`
	Description string        `json:"description"`
	Modality    Modality      `json:"modality"`
	RecordedAt  time.Time     `json:"recorded_at"`
	Offset      time.Duration `json:"offset_ns"`
	Digest      string        `json:"digest"`
}
