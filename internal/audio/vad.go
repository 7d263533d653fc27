package audio

import "math"

// VAD decides whether a frame carries speech.
type VAD interface {
	Voiced(samples []int16) bool
}

// EnergyVAD compares the frame's RMS energy, normalised to full scale,
// against a fixed threshold.
type EnergyVAD struct {
	Threshold float64
}

func (v EnergyVAD) Voiced(samples []int16) bool {
	return RMS(samples) >= v.Threshold
}

// RMS returns the root mean square of samples in the range [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
