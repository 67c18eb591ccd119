package audio

import "math"

// SilenceFloorDBFS is reported for empty or all-zero frames.
const SilenceFloorDBFS = -96.0

// RMS returns the normalised root-mean-square energy (0..1) of linear16 samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts RMS energy to decibels relative to full scale.
func DBFS(samples []int16) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return SilenceFloorDBFS
	}
	db := 20 * math.Log10(rms)
	if db < SilenceFloorDBFS {
		return SilenceFloorDBFS
	}
	return db
}

// ZeroCrossingRate is the fraction of adjacent sample pairs that change sign.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
