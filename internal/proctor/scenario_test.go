package proctor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScenarioMachine(t *testing.T, store *fakeStore, listener Listener, duration time.Duration, sensors ...Sensor) *Machine {
	t.Helper()
	m := NewMachine(Config{
		UserID:         7,
		Duration:       duration,
		TickPeriod:     10 * time.Millisecond,
		Sensors:        sensors,
		PersistBackoff: time.Millisecond,
	}, Deps{
		Questions: &fakeSource{questions: sampleQuestions(3)},
		Store:     store,
		Listener:  listener,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(func() { _, _ = m.Submit(context.Background()) })
	return m
}

func kindsOf(vs []model.Violation) []model.ViolationKind {
	out := make([]model.ViolationKind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind
	}
	return out
}

func TestScenarioNoDevicesThenTimeout(t *testing.T) {
	const duration = 250 * time.Millisecond
	store := &fakeStore{}
	listener := &recordingListener{}
	m := newScenarioMachine(t, store, listener, duration,
		Sensor{Device: unavailableDevice(), Sampler: VisionSampler{Detector: newScriptedDetector(), Policy: DefaultPolicy()}},
		Sensor{Device: unavailableDevice(), Sampler: AudioSampler{Meter: constMeter(0), Policy: DefaultPolicy()}},
	)

	s, err := m.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.Violations()) == 2 }, time.Second, time.Millisecond,
		"both device failures are reported right away")
	assert.ElementsMatch(t,
		[]model.ViolationKind{model.ViolationCameraError, model.ViolationAudioError},
		kindsOf(m.Violations()))
	assert.Equal(t, StateActive, m.State(), "device failures never block the exam")

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timer never submitted")
	}

	final := m.Session()
	assert.Equal(t, model.SessionStatusCompleted, final.Status)
	require.NotNil(t, final.EndedAt)
	assert.GreaterOrEqual(t, final.EndedAt.Sub(s.StartedAt), duration)
	assert.Len(t, m.Violations(), 2)
	assert.Len(t, store.storedViolations(), 2)
	assert.Equal(t, 1, store.completionCount())

	snap := m.Snapshot()
	for _, ms := range snap.Monitors {
		assert.Equal(t, MonitorDisabled, ms.Status)
	}
}

func TestScenarioCenteredFaceProducesNoViolations(t *testing.T) {
	script := make([][]model.FaceDetection, 10)
	for i := range script {
		script[i] = faces(centeredFace())
	}
	det := newScriptedDetector(script...)
	cam := newFakeDevice(10)
	feed(cam, 10)

	m := newScenarioMachine(t, &fakeStore{}, nil, time.Minute,
		Sensor{Device: cam, Sampler: VisionSampler{Detector: det, Policy: DefaultPolicy()}, Period: time.Millisecond})
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-det.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("frames were not sampled")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, m.Violations())

	snap := m.Snapshot()
	require.Len(t, snap.Detections, 1)
	assert.Equal(t, model.GazeCenter, snap.Detections[0].Gaze)
	assert.True(t, snap.Detections[0].FacePresent)
}

func TestScenarioFaceFlickerLogsEntriesOnly(t *testing.T) {
	det := newScriptedDetector(
		faces(), faces(), faces(),
		faces(centeredFace()),
		faces(), faces(),
	)
	cam := newFakeDevice(6)
	feed(cam, 6)

	store := &fakeStore{}
	m := newScenarioMachine(t, store, nil, time.Minute,
		Sensor{Device: cam, Sampler: VisionSampler{Detector: det, Policy: DefaultPolicy()}, Period: time.Millisecond})
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-det.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("frames were not sampled")
	}
	require.Eventually(t, func() bool { return len(m.Violations()) == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, []model.ViolationKind{model.ViolationNoFace, model.ViolationNoFace}, kindsOf(m.Violations()))
	assert.Equal(t, m.Violations(), store.storedViolations())
	assert.NoError(t, VerifyChain(m.Violations()))
}

func TestScenarioGazeSequence(t *testing.T) {
	det := newScriptedDetector(
		faces(centeredFace()),
		faces(faceLooking(model.GazeLeft)),
		faces(faceLooking(model.GazeLeft)),
		faces(centeredFace()),
		faces(faceLooking(model.GazeRight)),
	)
	cam := newFakeDevice(5)
	feed(cam, 5)

	m := newScenarioMachine(t, &fakeStore{}, nil, time.Minute,
		Sensor{Device: cam, Sampler: VisionSampler{Detector: det, Policy: DefaultPolicy()}, Period: time.Millisecond})
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	<-det.drained
	require.Eventually(t, func() bool { return len(m.Violations()) == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	vs := m.Violations()
	require.Len(t, vs, 2)
	assert.Contains(t, vs[0].Description, "left")
	assert.Contains(t, vs[1].Description, "right")
}

func TestScenarioSubmitStopsMonitorsAndReleasesDevices(t *testing.T) {
	cam := newFakeDevice(1)
	mic := newFakeDevice(1)
	m := newScenarioMachine(t, &fakeStore{}, nil, time.Minute,
		Sensor{Device: cam, Sampler: VisionSampler{Detector: newScriptedDetector(), Policy: DefaultPolicy()}},
		Sensor{Device: mic, Sampler: AudioSampler{Meter: constMeter(0), Policy: DefaultPolicy()}},
	)
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, _ := cam.counts()
		a, _ := mic.counts()
		return c == 1 && a == 1
	}, time.Second, time.Millisecond)

	_, err = m.Submit(context.Background())
	require.NoError(t, err)

	for _, dev := range []*fakeDevice{cam, mic} {
		opened, closed := dev.counts()
		assert.Equal(t, opened, closed)
	}
	for _, ms := range m.Snapshot().Monitors {
		assert.Equal(t, MonitorStopped, ms.Status)
	}
	for _, d := range m.Snapshot().Detections {
		assert.False(t, d.Known)
	}
}
