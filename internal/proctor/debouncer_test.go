package proctor

import (
	"testing"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
)

func lookingAway(dir model.GazeDirection) Classification {
	return Classification{Kind: model.ViolationLookingAway, Direction: dir}
}

func countEmitted(d *Debouncer, seq ...Classification) int {
	n := 0
	for _, c := range seq {
		if d.Observe(c) {
			n++
		}
	}
	return n
}

func TestDebouncerEmitsOnlyEntries(t *testing.T) {
	var d Debouncer
	n := countEmitted(&d,
		Classification{},
		lookingAway(model.GazeLeft),
		lookingAway(model.GazeLeft),
		Classification{},
		lookingAway(model.GazeRight),
	)
	assert.Equal(t, 2, n)
}

func TestDebouncerSwitchBetweenKinds(t *testing.T) {
	var d Debouncer
	multiple := Classification{Kind: model.ViolationMultipleFaces, Confidence: 0.9}

	assert.True(t, d.Observe(lookingAway(model.GazeLeft)))
	assert.True(t, d.Observe(multiple))
	assert.False(t, d.Observe(Classification{Kind: model.ViolationMultipleFaces, Confidence: 0.7}), "confidence changes are not a new condition")
	assert.True(t, d.Observe(lookingAway(model.GazeLeft)))
	assert.True(t, d.Observe(lookingAway(model.GazeRight)))
}

func TestDebouncerClearIsSilent(t *testing.T) {
	var d Debouncer
	assert.True(t, d.Observe(Classification{Kind: model.ViolationNoFace}))
	assert.False(t, d.Observe(Classification{}))
	assert.True(t, d.Current().None())
	assert.True(t, d.Observe(Classification{Kind: model.ViolationNoFace}))
}

func TestDebouncerReset(t *testing.T) {
	var d Debouncer
	d.Observe(Classification{Kind: model.ViolationSuspiciousAudio})
	d.Reset()
	assert.True(t, d.Observe(Classification{Kind: model.ViolationSuspiciousAudio}))
}

func TestDebouncerInitialStateIsNone(t *testing.T) {
	var d Debouncer
	assert.False(t, d.Observe(Classification{}))
	assert.True(t, d.Current().None())
}
