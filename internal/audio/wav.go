package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a clip is not a decodable PCM WAV stream.
var ErrInvalidWAV = errors.New("audio: invalid wav clip")

// PCM is interleaved signed 16-bit little-endian audio.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// FrameCount is the number of sample frames in p.
func (p PCM) FrameCount() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Data) / (2 * p.Channels)
}

// Duration is the playback length of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.FrameCount()) * time.Second / time.Duration(p.SampleRate)
}

// DecodeWAV parses a WAV clip as returned by the synthesis service and
// converts its samples to PCM16LE.
func DecodeWAV(clip []byte) (PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(clip))
	if !dec.IsValidFile() {
		return PCM{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return PCM{}, ErrInvalidWAV
	}
	return PCM{
		Data:       intBufferToPCM16(buf, int(dec.BitDepth)),
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

func intBufferToPCM16(buf *goaudio.IntBuffer, bitDepth int) []byte {
	shift := 0
	if bitDepth > 16 {
		shift = bitDepth - 16
	}
	out := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		switch {
		case bitDepth == 8:
			// 8-bit WAV is unsigned.
			s = (s - 128) << 8
		case shift > 0:
			s >>= shift
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

// EncodeWAV wraps p in a WAV container.
func EncodeWAV(p PCM) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAV writes p to out as a WAV stream. Unlike the go-audio encoder it
// does not need a seekable writer.
func WriteWAV(out io.Writer, p PCM) error {
	const bitsPerSample = 16
	if p.SampleRate <= 0 {
		p.SampleRate = 24000
	}
	if p.Channels <= 0 {
		p.Channels = 1
	}

	dataSize := uint32(len(p.Data))
	header := struct {
		Riff          [4]byte
		ChunkSize     uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   uint16(p.Channels),
		SampleRate:    uint32(p.SampleRate),
		ByteRate:      uint32(p.SampleRate * p.Channels * bitsPerSample / 8),
		BlockAlign:    uint16(p.Channels * bitsPerSample / 8),
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(p.Data); err != nil {
		return err
	}
	return w.Flush()
}

// Silence returns d of zeroed mono PCM at sampleRate.
func Silence(d time.Duration, sampleRate int) PCM {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return PCM{Data: make([]byte, frames*2), SampleRate: sampleRate, Channels: 1}
}
