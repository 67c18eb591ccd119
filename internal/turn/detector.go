package turn

import (
	"time"

	"github.com/ent0n29/callbridge/internal/audio"
)

// VoiceActivityDetector scores how likely a caller frame is speech, from 0 to 1.
type VoiceActivityDetector interface {
	Classify(f audio.Frame) float64
}

// DetectorConfig tunes local speech detection.
type DetectorConfig struct {
	// ThresholdDBFS is the level caller audio must reach to count towards onset.
	ThresholdDBFS float64
	// HysteresisDB is the band below the threshold that neither grows nor resets
	// the sustained-energy count.
	HysteresisDB float64
	MinDuration  time.Duration
	VADThreshold float64
	// Release is how long the caller must stay below the band before speech ends.
	Release time.Duration
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.ThresholdDBFS == 0 {
		c.ThresholdDBFS = -35
	}
	if c.HysteresisDB < 0 {
		c.HysteresisDB = 0
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 150 * time.Millisecond
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = 0.5
	}
	if c.Release <= 0 {
		c.Release = 400 * time.Millisecond
	}
	return c
}

// Observation is what the detector concluded from one frame.
type Observation struct {
	LevelDBFS float64
	Voice     float64
	Sustained time.Duration
	// Onset is true on the frame that confirms caller speech.
	Onset bool
	// Released is true on the frame that ends it.
	Released bool
}

// Detector confirms caller speech only when loud audio is sustained for
// MinDuration and the VAD agrees. Energy alone never fires it. Time is measured
// in frame durations, not wall clock.
type Detector struct {
	cfg DetectorConfig
	vad VoiceActivityDetector

	sustained time.Duration
	quiet     time.Duration
	speaking  bool
}

func NewDetector(cfg DetectorConfig, vad VoiceActivityDetector) *Detector {
	if vad == nil {
		vad = NewZCRClassifier()
	}
	return &Detector{cfg: cfg.withDefaults(), vad: vad}
}

func (d *Detector) Speaking() bool { return d.speaking }

func (d *Detector) Observe(f audio.Frame) Observation {
	samples, err := audio.Samples(f)
	if err != nil || len(samples) == 0 {
		return Observation{LevelDBFS: audio.SilenceFloorDBFS}
	}
	dur := f.Duration()
	level := audio.DBFS(samples)
	obs := Observation{LevelDBFS: level}

	switch {
	case level >= d.cfg.ThresholdDBFS:
		d.sustained += dur
		d.quiet = 0
	case level >= d.cfg.ThresholdDBFS-d.cfg.HysteresisDB:
		// inside the band: hold
	default:
		d.sustained = 0
		d.quiet += dur
	}
	obs.Sustained = d.sustained

	if !d.speaking {
		if d.sustained < d.cfg.MinDuration {
			return obs
		}
		obs.Voice = d.vad.Classify(f)
		if obs.Voice >= d.cfg.VADThreshold {
			d.speaking = true
			d.quiet = 0
			obs.Onset = true
		}
		return obs
	}

	if d.quiet >= d.cfg.Release {
		d.speaking = false
		d.sustained = 0
		obs.Released = true
	}
	return obs
}

func (d *Detector) Reset() {
	d.sustained = 0
	d.quiet = 0
	d.speaking = false
}

// ZCRClassifier treats frames whose zero-crossing rate falls in the voiced band
// as speech. Mains hum sits below the band and hiss or tones near Nyquist above it.
type ZCRClassifier struct {
	MinRate float64
	MaxRate float64
	// FloorDBFS rejects frames too quiet to judge.
	FloorDBFS float64
}

func NewZCRClassifier() *ZCRClassifier {
	return &ZCRClassifier{MinRate: 0.02, MaxRate: 0.35, FloorDBFS: -60}
}

func (z *ZCRClassifier) Classify(f audio.Frame) float64 {
	samples, err := audio.Samples(f)
	if err != nil || len(samples) < 2 {
		return 0
	}
	if audio.DBFS(samples) < z.FloorDBFS {
		return 0
	}
	rate := audio.ZeroCrossingRate(samples)
	if rate < z.MinRate || rate > z.MaxRate {
		return 0
	}
	// Highest confidence mid-band, 0.5 at the edges.
	mid := (z.MinRate + z.MaxRate) / 2
	half := (z.MaxRate - z.MinRate) / 2
	dist := rate - mid
	if dist < 0 {
		dist = -dist
	}
	return 1 - 0.5*dist/half
}
