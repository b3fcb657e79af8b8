package proctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// DefaultCameraPeriod is the vision sampling period.
	DefaultCameraPeriod = 100 * time.Millisecond
	// DefaultAudioPeriod is the audio sampling period.
	DefaultAudioPeriod = 50 * time.Millisecond
	// DefaultMaxConsecutiveFailures bounds transient sampling errors before
	// a modality is declared failed.
	DefaultMaxConsecutiveFailures = 50
)

// Sampler turns one raw capture into a classification and a detection
// snapshot. It is the analyzer + classifier half of a pipeline.
type Sampler interface {
	Modality() model.Modality
	Sample(ctx context.Context, raw []byte) (Classification, model.DetectionState, error)
}

// VisionSampler runs face detection and the vision rules.
type VisionSampler struct {
	Detector FaceDetector
	Policy   Policy
}

func (s VisionSampler) Modality() model.Modality { return model.ModalityVision }

func (s VisionSampler) Sample(ctx context.Context, raw []byte) (Classification, model.DetectionState, error) {
	faces, err := s.Detector.DetectFaces(ctx, raw)
	if err != nil {
		return Classification{}, model.UnknownDetection(model.ModalityVision), err
	}
	c, state := s.Policy.ClassifyVision(faces)
	return c, state, nil
}

// AudioSampler measures loudness and runs the audio rule.
type AudioSampler struct {
	Meter  LoudnessMeter
	Policy Policy
}

func (s AudioSampler) Modality() model.Modality { return model.ModalityAudio }

func (s AudioSampler) Sample(_ context.Context, raw []byte) (Classification, model.DetectionState, error) {
	c, state := s.Policy.ClassifyAudio(s.Meter.SampleLoudness(raw))
	return c, state, nil
}

// ViolationSink accepts proposed violations. Monitors never change session
// status; they only propose.
type ViolationSink interface {
	RecordViolation(ctx context.Context, v model.Violation) (model.Violation, error)
}

// MonitorStatus is the lifecycle of one monitoring loop.
type MonitorStatus string

const (
	MonitorIdle     MonitorStatus = "idle"
	MonitorRunning  MonitorStatus = "running"
	MonitorStopped  MonitorStatus = "stopped"
	MonitorDisabled MonitorStatus = "disabled"
)

// MonitorState is the display view of a monitor.
type MonitorState struct {
	Modality model.Modality `json:"modality"`
	Status   MonitorStatus  `json:"status"`
	Reason   string         `json:"reason,omitempty"`
}

// Sensor describes one modality to monitor.
type Sensor struct {
	Device  CaptureDevice
	Sampler Sampler
	// Period defaults by modality when zero.
	Period time.Duration
	// MaxConsecutiveFailures defaults to DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int
}

// Monitor owns the sampling loop of one modality: capture, analyze,
// classify, debounce, propose. A failed device or model stops the loop for
// good; it is never restarted automatically.
type Monitor struct {
	modality    model.Modality
	device      CaptureDevice
	sampler     Sampler
	period      time.Duration
	maxFailures int
	sink        ViolationSink
	onDetection func(model.DetectionState)
	onStopped   func(model.Modality, model.ViolationKind, string)
	log         zerolog.Logger

	debounce Debouncer

	mu        sync.Mutex
	status    MonitorStatus
	reason    string
	detection model.DetectionState
	cancel    context.CancelFunc
	done      chan struct{}
}

func newMonitor(s Sensor, sink ViolationSink, log zerolog.Logger, onDetection func(model.DetectionState), onStopped func(model.Modality, model.ViolationKind, string)) *Monitor {
	modality := s.Sampler.Modality()
	period := s.Period
	if period <= 0 {
		period = DefaultCameraPeriod
		if modality == model.ModalityAudio {
			period = DefaultAudioPeriod
		}
	}
	maxFailures := s.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	if onDetection == nil {
		onDetection = func(model.DetectionState) {}
	}
	if onStopped == nil {
		onStopped = func(model.Modality, model.ViolationKind, string) {}
	}
	return &Monitor{
		modality:    modality,
		device:      s.Device,
		sampler:     s.Sampler,
		period:      period,
		maxFailures: maxFailures,
		sink:        sink,
		onDetection: onDetection,
		onStopped:   onStopped,
		log:         log.With().Str("modality", string(modality)).Logger(),
		status:      MonitorIdle,
		detection:   model.UnknownDetection(modality),
	}
}

// Modality returns the monitored modality.
func (m *Monitor) Modality() model.Modality { return m.modality }

// State returns the current lifecycle view.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorState{Modality: m.modality, Status: m.status, Reason: m.reason}
}

// Detection returns the latest detection state.
func (m *Monitor) Detection() model.DetectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detection
}

// Start launches the loop. Only an idle monitor can start.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != MonitorIdle {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = MonitorRunning
	go m.run(ctx, m.done)
}

// Stop cancels the loop and waits until the capture handle is released.
// Detection state is cleared to unknown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if m.status == MonitorIdle {
		m.status = MonitorStopped
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	if m.status == MonitorRunning {
		m.status = MonitorStopped
	}
	m.detection = model.UnknownDetection(m.modality)
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	capture, err := m.device.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(ctx, m.deviceFailureKind(), err)
		return
	}
	defer func() {
		if err := capture.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Capture release failed")
		}
	}()

	m.log.Info().Dur("period", m.period).Msg("Monitoring started")

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Monitoring stopped")
			return
		case <-ticker.C:
		}

		raw, err := capture.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrDeviceUnavailable) {
				m.fail(ctx, m.deviceFailureKind(), err)
				return
			}
			failures++
			if failures >= m.maxFailures {
				m.fail(ctx, m.deviceFailureKind(), err)
				return
			}
			m.log.Debug().Err(err).Int("failures", failures).Msg("Capture read failed, skipping tick")
			continue
		}

		c, state, err := m.sampler.Sample(ctx, raw)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrModelUnavailable) {
				m.fail(ctx, model.ViolationModelError, err)
				return
			}
			failures++
			if failures >= m.maxFailures {
				m.fail(ctx, m.analyzerFailureKind(), err)
				return
			}
			m.log.Debug().Err(err).Int("failures", failures).Msg("Sample analysis failed, skipping tick")
			continue
		}
		failures = 0

		state.UpdatedAt = time.Now()
		m.mu.Lock()
		m.detection = state
		m.mu.Unlock()
		m.onDetection(state)

		if m.debounce.Observe(c) {
			m.propose(ctx, c)
		}
	}
}

// fail reports the modality failure once and disables the monitor.
func (m *Monitor) fail(ctx context.Context, kind model.ViolationKind, cause error) {
	m.log.Error().Err(cause).Str("kind", string(kind)).Msg("Monitoring disabled")

	m.mu.Lock()
	m.status = MonitorDisabled
	m.reason = cause.Error()
	m.detection = model.UnknownDetection(m.modality)
	m.mu.Unlock()

	m.propose(ctx, Classification{Kind: kind})
	m.onStopped(m.modality, kind, cause.Error())
}

func (m *Monitor) propose(ctx context.Context, c Classification) {
	v := model.Violation{
		Kind:        c.Kind,
		Description: c.Description(),
		Modality:    m.modality,
	}
	if _, err := m.sink.RecordViolation(ctx, v); err != nil {
		var perr *PersistenceError
		switch {
		case errors.As(err, &perr):
			m.log.Warn().Err(err).Str("kind", string(c.Kind)).Msg("Violation kept locally, persistence failed")
		case errors.Is(err, ErrInvalidTransition):
			m.log.Debug().Str("kind", string(c.Kind)).Msg("Violation dropped, session not active")
		default:
			m.log.Error().Err(err).Str("kind", string(c.Kind)).Msg("Violation rejected")
		}
	}
}

func (m *Monitor) deviceFailureKind() model.ViolationKind {
	if m.modality == model.ModalityAudio {
		return model.ViolationAudioError
	}
	return model.ViolationCameraError
}

func (m *Monitor) analyzerFailureKind() model.ViolationKind {
	if m.modality == model.ModalityAudio {
		return model.ViolationAudioError
	}
	return model.ViolationModelError
}
