package turn

import (
	"log/slog"
	"time"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/provider"
)

// Mode selects who decides barge-in for a session.
type Mode int

const (
	// ModeNative defers to the provider's own turn detection events.
	ModeNative Mode = iota
	// ModeLocal evaluates caller audio with a Detector.
	ModeLocal
)

func (m Mode) String() string {
	if m == ModeLocal {
		return "local"
	}
	return "native"
}

// ModeFor picks the mode from the provider's capabilities.
func ModeFor(caps provider.Capabilities) Mode {
	if caps.HasNativeTurnDetection {
		return ModeNative
	}
	return ModeLocal
}

// Action is a bit set of playback commands for the session.
type Action uint8

const (
	ActionStopPlayback Action = 1 << iota
	ActionFlushQueue
	ActionCancelResponse
)

// Decision tells the session what to do after an input.
type Decision struct {
	Actions Action
	// Play is set for agent audio chunks that should be queued for playback.
	Play    bool
	BargeIn bool
	// AwaitCancelAck asks the session to arm the cancel-ack timer.
	AwaitCancelAck bool
	From           State
	To             State
}

func (d Decision) Has(a Action) bool { return d.Actions&a != 0 }

// Config tunes an Arbiter.
type Config struct {
	Detector         DetectorConfig
	CancelAckTimeout time.Duration
}

// Arbiter is the single authority over one session's turn state. It is driven
// from the session's control loop and is not safe for concurrent use.
type Arbiter struct {
	mode     Mode
	machine  *Machine
	detector *Detector
	logger   *slog.Logger

	cancelAckTimeout time.Duration
	// discarding drops agent audio from a response that has been barged over.
	discarding bool
	// responseDone means the provider finished sending; only queued audio remains.
	responseDone bool
}

func NewArbiter(mode Mode, cfg Config, vad VoiceActivityDetector, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("turn_mode", mode.String())
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = time.Second
	}
	a := &Arbiter{
		mode:             mode,
		machine:          NewMachine(logger),
		logger:           logger,
		cancelAckTimeout: cfg.CancelAckTimeout,
	}
	if mode == ModeLocal {
		a.detector = NewDetector(cfg.Detector, vad)
	}
	return a
}

func (a *Arbiter) Mode() Mode                      { return a.mode }
func (a *Arbiter) State() State                    { return a.machine.State() }
func (a *Arbiter) CancelAckTimeout() time.Duration { return a.cancelAckTimeout }

// OnCallerAudio feeds one caller frame. In native mode caller energy is never
// evaluated.
func (a *Arbiter) OnCallerAudio(f audio.Frame) Decision {
	from := a.State()
	if a.mode == ModeNative {
		return Decision{From: from, To: from}
	}
	obs := a.detector.Observe(f)
	switch {
	case obs.Onset:
		switch from {
		case Idle:
			return a.moveTo(from, CallerSpeaking, Decision{})
		case AgentSpeaking:
			a.logger.Info("local barge-in confirmed", "level_dbfs", obs.LevelDBFS, "voice", obs.Voice, "sustained", obs.Sustained.String())
			return a.bargeIn(from, true)
		}
	case obs.Released:
		if from == CallerSpeaking {
			return a.moveTo(from, Idle, Decision{})
		}
	}
	return Decision{From: from, To: from}
}

// OnProviderEvent feeds one provider event.
func (a *Arbiter) OnProviderEvent(ev provider.Event) Decision {
	from := a.State()
	switch ev.Type {
	case provider.EventSpeechStarted:
		if a.mode != ModeNative {
			return Decision{From: from, To: from}
		}
		switch from {
		case Idle:
			return a.moveTo(from, CallerSpeaking, Decision{})
		case AgentSpeaking:
			return a.bargeIn(from, false)
		}

	case provider.EventSpeechStopped:
		if a.mode == ModeNative && from == CallerSpeaking {
			return a.moveTo(from, Idle, Decision{})
		}

	case provider.EventResponseStarted:
		a.discarding = false
		a.responseDone = false
		if from == Idle || from == CallerSpeaking {
			if a.mode == ModeLocal && a.detector.Speaking() {
				a.detector.Reset()
			}
			return a.moveTo(from, AgentSpeaking, Decision{})
		}

	case provider.EventResponseAudioChunk:
		if a.discarding {
			return Decision{From: from, To: from}
		}
		switch from {
		case AgentSpeaking:
			return Decision{Play: true, From: from, To: from}
		case Idle, CallerSpeaking:
			a.responseDone = false
			return a.moveTo(from, AgentSpeaking, Decision{Play: true})
		}

	case provider.EventResponseDone:
		if from == AgentSpeaking {
			a.responseDone = true
		}

	case provider.EventResponseCancelled:
		switch from {
		case Cancelling:
			a.logger.Debug("provider acknowledged cancel")
			return a.moveTo(from, CallerSpeaking, Decision{})
		case AgentSpeaking:
			if a.mode == ModeNative {
				// The cancellation is its own ack.
				d := a.bargeIn(from, false)
				if d.To == Cancelling && a.machine.Transition(CallerSpeaking) == nil {
					d.To = CallerSpeaking
					d.AwaitCancelAck = false
				}
				return d
			}
			a.discarding = true
			return a.moveTo(from, Idle, Decision{Actions: ActionStopPlayback | ActionFlushQueue})
		}
	}
	return Decision{From: from, To: from}
}

// OnPlaybackDrained is called when the playback queue empties. A finished
// response returns the floor.
func (a *Arbiter) OnPlaybackDrained() Decision {
	from := a.State()
	if from == AgentSpeaking && a.responseDone {
		a.responseDone = false
		return a.moveTo(from, Idle, Decision{})
	}
	return Decision{From: from, To: from}
}

// OnCancelTimeout gives up waiting for the provider to acknowledge a cancel.
func (a *Arbiter) OnCancelTimeout() Decision {
	from := a.State()
	if from != Cancelling {
		return Decision{From: from, To: from}
	}
	a.logger.Warn("provider did not acknowledge cancel", "timeout", a.cancelAckTimeout.String())
	return a.moveTo(from, CallerSpeaking, Decision{})
}

// bargeIn runs AgentSpeaking -> BargeInPending -> Cancelling. A cancel is only
// sent when the decision is local and the provider is still producing audio.
func (a *Arbiter) bargeIn(from State, local bool) Decision {
	d := Decision{
		Actions: ActionStopPlayback | ActionFlushQueue,
		BargeIn: true,
		From:    from,
		To:      from,
	}
	if err := a.machine.Transition(BargeInPending); err != nil {
		return d
	}
	if err := a.machine.Transition(Cancelling); err != nil {
		d.To = a.State()
		return d
	}
	a.discarding = true
	d.To = Cancelling

	// Nothing is in flight once the response finished, so no ack will come.
	if a.responseDone {
		a.responseDone = false
		if err := a.machine.Transition(CallerSpeaking); err == nil {
			d.To = CallerSpeaking
		}
		return d
	}
	if local {
		d.Actions |= ActionCancelResponse
	}
	d.AwaitCancelAck = true
	return d
}

func (a *Arbiter) moveTo(from, next State, d Decision) Decision {
	d.From = from
	d.To = from
	if err := a.machine.Transition(next); err != nil {
		return d
	}
	d.To = next
	return d
}
