package record

import (
	"encoding/binary"
	"os"

	"tom/voicecore/internal/audio"
)

const wavHeaderLen = 44

// wavFile is a minimal PCM16 WAV writer. The RIFF sizes are patched in on
// close; an unfinalized file from a crash is still mostly playable.
type wavFile struct {
	f    *os.File
	data int64
}

func createWav(path string) (*wavFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(make([]byte, wavHeaderLen)); err != nil {
		f.Close()
		return nil, err
	}
	return &wavFile{f: f}, nil
}

func (w *wavFile) write(pcm []byte) error {
	n, err := w.f.Write(pcm)
	w.data += int64(n)
	return err
}

func (w *wavFile) close() error {
	hdr := make([]byte, wavHeaderLen)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+w.data))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:], audio.SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:], audio.SampleRate*2)
	binary.LittleEndian.PutUint16(hdr[32:], 2)  // block align
	binary.LittleEndian.PutUint16(hdr[34:], 16) // bits per sample
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(w.data))

	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
