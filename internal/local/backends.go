package local

import (
	"context"
	"fmt"
	"math"
	"strings"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/policy"
)

// STT turns captured caller audio into a final transcript. partial, when
// non-nil, receives interim hypotheses.
type STT interface {
	Transcribe(ctx context.Context, pcm []byte, partial func(string)) (string, error)
}

// LLM yields a finite, non-restartable token stream for one turn. The
// channel closes when generation finishes; cancelling ctx aborts it.
type LLM interface {
	Stream(ctx context.Context, transcript string, params policy.Parameters) (<-chan string, error)
}

// TTS synthesizes PCM16 (16 kHz mono) for a piece of text as a stream of
// chunks. Chunk sizes are arbitrary; the session re-frames them.
type TTS interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// Backends bundles the three pipeline stages.
type Backends struct {
	STT STT
	LLM LLM
	TTS TTS
}

// DevBackends returns deterministic in-process stages, enough to exercise
// the full pipeline without model servers. Used by tests and local dev runs.
func DevBackends() Backends {
	return Backends{STT: devSTT{}, LLM: devLLM{}, TTS: devTTS{}}
}

type devSTT struct{}

func (devSTT) Transcribe(ctx context.Context, pcm []byte, partial func(string)) (string, error) {
	ms := len(pcm) / 2 * 1000 / audio.SampleRate
	text := fmt.Sprintf("utterance of %d ms", ms)
	if partial != nil {
		partial("utterance")
	}
	return text, ctx.Err()
}

type devLLM struct{}

func (devLLM) Stream(ctx context.Context, transcript string, params policy.Parameters) (<-chan string, error) {
	reply := "Verstanden, ich kuemmere mich darum."
	if params.Tone == "warm" {
		reply = "Gerne! " + reply
	}
	if params.Length == "short" {
		reply = strings.SplitN(reply, ".", 2)[0] + "."
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for _, w := range strings.Fields(reply) {
			select {
			case out <- w + " ":
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type devTTS struct{}

// Synthesize emits a 220 Hz tone, 60 ms per word. Deterministic and cheap.
func (devTTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	samples := words * 60 * audio.SampleRate / 1000
	out := make(chan []byte)
	go func() {
		defer close(out)
		const chunk = audio.SamplesPerFrame
		for off := 0; off < samples; off += chunk {
			n := chunk
			if samples-off < n {
				n = samples - off
			}
			buf := make([]int16, n)
			for i := range buf {
				t := float64(off+i) / audio.SampleRate
				buf[i] = int16(8000 * math.Sin(2*math.Pi*220*t))
			}
			f := audio.FromSamples(buf, 0, 0)
			select {
			case out <- f.PCM:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
