package model

import "time"

// Modality identifies one sensor pipeline.
type Modality string

const (
	ModalityVision Modality = "vision"
	ModalityAudio  Modality = "audio"
)

// GazeDirection is the coarse gaze estimate for a single face.
type GazeDirection string

const (
	GazeUnknown GazeDirection = ""
	GazeCenter  GazeDirection = "center"
	GazeLeft    GazeDirection = "left"
	GazeRight   GazeDirection = "right"
)

// Point is a 2D landmark in frame coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox locates a face in the frame.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceLandmarks holds the landmarks used for gaze estimation.
type FaceLandmarks struct {
	LeftEye  Point `json:"left_eye"`
	RightEye Point `json:"right_eye"`
	Nose     Point `json:"nose"`
}

// FaceDetection is one face returned by the vision analyzer.
type FaceDetection struct {
	Box        BoundingBox   `json:"box"`
	Landmarks  FaceLandmarks `json:"landmarks"`
	Confidence float64       `json:"confidence"`
}

// DetectionState is the transient per-modality view used for display.
// Known is false until the first sample after monitoring starts, and again
// after monitoring stops.
type DetectionState struct {
	Modality    Modality      `json:"modality"`
	Known       bool          `json:"known"`
	FacePresent bool          `json:"face_present,omitempty"`
	FaceCount   int           `json:"face_count,omitempty"`
	Gaze        GazeDirection `json:"gaze,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
	AudioLevel  float64       `json:"audio_level,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// UnknownDetection returns the cleared state for m.
func UnknownDetection(m Modality) DetectionState {
	return DetectionState{Modality: m}
}
