package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// contentTypes maps the configured encoding to the response media type.
var contentTypes = map[string]string{
	"pcm":  "audio/wav",
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"ulaw": "audio/basic",
}

func contentType(encoding string) string {
	if ct, ok := contentTypes[encoding]; ok {
		return ct
	}
	return "application/octet-stream"
}

// encodeWAV wraps 16-bit little-endian PCM in a RIFF/WAVE container. A
// trailing odd byte is dropped.
func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("api: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("api: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("api: close wav encoder: %w", err)
	}
	return out.buf, nil
}

// memFile is an in-memory io.WriteSeeker. The WAV encoder seeks back to
// patch chunk sizes once the data length is known.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, errors.New("api: invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("api: negative seek position")
	}
	m.pos = int(next)
	return next, nil
}
