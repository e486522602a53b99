package local

import (
	"tom/voicecore/internal/audio"
)

// Speech must exceed the energy threshold for 120 ms before a start fires,
// and fall below it for 400 ms before an end fires.
const (
	startFrames    = 6  // 120 ms at 20 ms frames
	hangoverFrames = 20 // 400 ms
)

// VAD is an RMS-threshold voice activity detector with consecutive-frame
// counters. Not safe for concurrent use; one detector per session loop.
type VAD struct {
	threshold    float64
	speaking     bool
	consecSpeech int
	nonSpeech    int
}

// NewVAD builds a detector. sensitivity in [0,1] scales the energy
// threshold: higher sensitivity trips on quieter speech.
func NewVAD(sensitivity float64) *VAD {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 1 {
		sensitivity = 1
	}
	// threshold runs 0.05 (sensitivity 0) down to 0.01 (sensitivity 1),
	// in normalized RMS units
	return &VAD{threshold: 0.05 - 0.04*sensitivity}
}

// Process feeds one inbound frame. Returns (start, end) edges; at most one
// is true per call.
func (v *VAD) Process(f audio.Frame) (start, end bool) {
	rms := f.RMS()
	if !v.speaking {
		if rms >= v.threshold {
			v.consecSpeech++
			if v.consecSpeech >= startFrames {
				v.speaking = true
				v.nonSpeech = 0
				metricVADStarts.Inc()
				return true, false
			}
		} else {
			v.consecSpeech = 0
		}
		return false, false
	}
	if rms < v.threshold {
		v.nonSpeech++
		if v.nonSpeech >= hangoverFrames {
			v.speaking = false
			v.consecSpeech = 0
			v.nonSpeech = 0
			metricVADEnds.Inc()
			return false, true
		}
	} else {
		v.nonSpeech = 0
	}
	return false, false
}

// Speaking reports the sticky in-speech flag.
func (v *VAD) Speaking() bool { return v.speaking }

// Reset clears counters, e.g. when assistant playback starts.
func (v *VAD) Reset() {
	v.speaking = false
	v.consecSpeech = 0
	v.nonSpeech = 0
}
