package media

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// Track holds decoded 16-bit PCM audio as produced by ExtractAudio.
type Track struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration reports the playable length of the track.
func (t *Track) Duration() time.Duration {
	if t.SampleRate == 0 || t.Channels == 0 {
		return 0
	}
	frames := len(t.Samples) / t.Channels
	return time.Duration(float64(frames) / float64(t.SampleRate) * float64(time.Second))
}

// ReadWAV parses a PCM 16-bit WAV file. Only the format ExtractAudio emits
// is supported.
func ReadWAV(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("media: %s is not a WAV file", path)
	}

	var (
		sampleRate int
		channels   int
		bitsPer    int
		pcm        []byte
	)

	// Walk RIFF chunks; fmt and data are the only ones we care about.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("media: %s has a truncated fmt chunk", path)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, fmt.Errorf("media: %s uses unsupported WAV format %d", path, format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPer = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		off = body + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}

	if sampleRate == 0 || channels == 0 {
		return nil, fmt.Errorf("media: %s is missing a fmt chunk", path)
	}
	if bitsPer != 16 {
		return nil, fmt.Errorf("media: %s has %d-bit samples, want 16", path, bitsPer)
	}
	if pcm == nil {
		return nil, fmt.Errorf("media: %s is missing a data chunk", path)
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2]))
	}
	return &Track{SampleRate: sampleRate, Channels: channels, Samples: samples}, nil
}
