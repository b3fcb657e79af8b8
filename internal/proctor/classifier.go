package proctor

import (
	"fmt"
	"math"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Policy holds the classifier thresholds. They are tunable policy
// constants, not part of the session contract.
type Policy struct {
	// GazeLeftRatio: a gaze ratio above this is looking_away/left.
	GazeLeftRatio float64
	// GazeRightRatio: a gaze ratio below this is looking_away/right.
	GazeRightRatio float64
	// AudioThreshold: a loudness level above this is suspicious_audio.
	AudioThreshold float64
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		GazeLeftRatio:  1.15,
		GazeRightRatio: 0.85,
		AudioThreshold: 30,
	}
}

// Classification is the verdict for one sample. The zero value means
// "no violation".
type Classification struct {
	Kind       model.ViolationKind
	Direction  model.GazeDirection
	Confidence float64
}

// None reports whether c carries no violation.
func (c Classification) None() bool { return c.Kind == "" }

// Same reports whether c and o describe the same condition. Confidence is
// ignored; direction distinguishes looking left from looking right.
func (c Classification) Same(o Classification) bool {
	return c.Kind == o.Kind && c.Direction == o.Direction
}

// Description renders a human-readable summary for the violation log.
func (c Classification) Description() string {
	switch c.Kind {
	case model.ViolationNoFace:
		return "No face detected"
	case model.ViolationMultipleFaces:
		return fmt.Sprintf("Multiple faces detected (confidence %.2f)", c.Confidence)
	case model.ViolationLookingAway:
		return fmt.Sprintf("Looking away from screen (%s)", c.Direction)
	case model.ViolationSuspiciousAudio:
		return fmt.Sprintf("Suspicious audio detected (level %.0f)", c.Confidence)
	case model.ViolationCameraError:
		return "Camera unavailable, vision monitoring disabled"
	case model.ViolationAudioError:
		return "Microphone unavailable, audio monitoring disabled"
	case model.ViolationModelError:
		return "Face model unavailable, vision monitoring disabled"
	}
	return string(c.Kind)
}

// ClassifyVision applies the vision rules in order, first match wins:
// no face, several faces, then gaze of the single face.
func (p Policy) ClassifyVision(faces []model.FaceDetection) (Classification, model.DetectionState) {
	state := model.DetectionState{
		Modality:  model.ModalityVision,
		Known:     true,
		FaceCount: len(faces),
	}

	switch {
	case len(faces) == 0:
		return Classification{Kind: model.ViolationNoFace}, state
	case len(faces) > 1:
		top := faces[0].Confidence
		for _, f := range faces[1:] {
			top = math.Max(top, f.Confidence)
		}
		state.FacePresent = true
		state.Confidence = top
		return Classification{Kind: model.ViolationMultipleFaces, Confidence: top}, state
	}

	face := faces[0]
	state.FacePresent = true
	state.Confidence = face.Confidence

	ratio := GazeRatio(face.Landmarks)
	switch {
	case ratio > p.GazeLeftRatio:
		state.Gaze = model.GazeLeft
		return Classification{Kind: model.ViolationLookingAway, Direction: model.GazeLeft, Confidence: face.Confidence}, state
	case ratio < p.GazeRightRatio:
		state.Gaze = model.GazeRight
		return Classification{Kind: model.ViolationLookingAway, Direction: model.GazeRight, Confidence: face.Confidence}, state
	}
	state.Gaze = model.GazeCenter
	return Classification{}, state
}

// ClassifyAudio flags levels above the audio threshold. level is clamped
// to [0,100] first.
func (p Policy) ClassifyAudio(level float64) (Classification, model.DetectionState) {
	level = clampLevel(level)
	state := model.DetectionState{
		Modality:   model.ModalityAudio,
		Known:      true,
		AudioLevel: level,
	}
	if level > p.AudioThreshold {
		return Classification{Kind: model.ViolationSuspiciousAudio, Confidence: level}, state
	}
	return Classification{}, state
}

// GazeRatio compares the horizontal nose-to-eye distances of a face. A
// frontal face yields about 1.
func GazeRatio(l model.FaceLandmarks) float64 {
	left := math.Abs(l.Nose.X - l.LeftEye.X)
	right := math.Abs(l.RightEye.X - l.Nose.X)
	if right == 0 {
		if left == 0 {
			return 1
		}
		return math.Inf(1)
	}
	return left / right
}

func clampLevel(level float64) float64 {
	if math.IsNaN(level) || level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
