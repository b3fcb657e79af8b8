package sensor

import (
	"encoding/binary"
	"math"
)

const (
	// silenceFloorDB maps to level 0; full scale (0 dBFS) maps to 100.
	silenceFloorDB = -60.0
	fullScale      = 32768.0
)

// PCMMeter measures the loudness of little-endian signed 16-bit PCM.
type PCMMeter struct{}

// SampleLoudness returns the RMS level of buf on a 0-100 scale. A
// trailing odd byte is ignored; an empty buffer is silence.
func (PCMMeter) SampleLoudness(buf []byte) float64 {
	n := len(buf) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(buf[2*i:]))) / fullScale
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	level := (db - silenceFloorDB) / -silenceFloorDB * 100
	switch {
	case level < 0:
		return 0
	case level > 100:
		return 100
	}
	return level
}
