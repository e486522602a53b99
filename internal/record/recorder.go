package record

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tom/voicecore/internal/audio"
)

// MaxBytesPerCall caps each call's recording at 50 MiB across both legs.
const MaxBytesPerCall = 50 << 20

// ErrEgressOptIn guards against silently shipping caller audio to an
// external backend while also recording it.
var ErrEgressOptIn = errors.New("recording with an external backend requires explicit egress opt-in")

// CheckPolicy validates the recording configuration at startup.
func CheckPolicy(recordEnabled, allowExternal, egressOptIn bool) error {
	if recordEnabled && allowExternal && !egressOptIn {
		return ErrEgressOptIn
	}
	return nil
}

// Recorder captures both audio legs of one call as WAV files plus a meta
// sidecar, under a per-call directory. Writes past the size cap are
// silently discarded.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	in      *wavFile
	out     *wavFile
	started time.Time
	total   int64
	capped  bool
	closed  bool
}

// Open creates <baseDir>/<callID>/ with in.wav and out.wav.
func Open(baseDir, callID string) (*Recorder, error) {
	dir := filepath.Join(baseDir, callID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	in, err := createWav(filepath.Join(dir, "in.wav"))
	if err != nil {
		return nil, err
	}
	out, err := createWav(filepath.Join(dir, "out.wav"))
	if err != nil {
		in.close()
		return nil, err
	}
	return &Recorder{dir: dir, in: in, out: out, started: time.Now()}, nil
}

func (r *Recorder) WriteIn(f audio.Frame)  { r.write(r.in, f) }
func (r *Recorder) WriteOut(f audio.Frame) { r.write(r.out, f) }

func (r *Recorder) write(w *wavFile, f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.capped {
		return
	}
	if r.total+int64(len(f.PCM)) > MaxBytesPerCall {
		r.capped = true
		log.Printf("[record] %s hit the per-call size cap, discarding further audio", r.dir)
		return
	}
	if err := w.write(f.PCM); err != nil {
		log.Printf("[record] write failed, stopping capture: %v", err)
		r.capped = true
		return
	}
	r.total += int64(len(f.PCM))
}

// Close finalizes the WAV headers and writes the meta sidecar.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	ended := time.Now()
	errIn := r.in.close()
	errOut := r.out.close()

	meta := fmt.Sprintf("started=%s\nended=%s\nduration_sec=%.1f\nformat=pcm16le %dHz mono\nbytes=%d\ncapped=%v\n",
		r.started.UTC().Format(time.RFC3339),
		ended.UTC().Format(time.RFC3339),
		ended.Sub(r.started).Seconds(),
		audio.SampleRate, r.total, r.capped)
	if err := os.WriteFile(filepath.Join(r.dir, "meta.txt"), []byte(meta), 0o600); err != nil {
		return err
	}
	if errIn != nil {
		return errIn
	}
	return errOut
}

// Dir returns the per-call recording directory.
func (r *Recorder) Dir() string { return r.dir }
