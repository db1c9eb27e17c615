package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVE format tags.
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

const (
	float32Bytes      = 4
	unsigned8Midpoint = 128

	errFmtUnsupportedEncoding = "%w: unsupported encoding (format tag %#x, %d bits)"
)

var (
	// ErrInvalidWAV is returned when data does not hold a readable WAV stream.
	ErrInvalidWAV = errors.New("invalid WAV data")
	// errNegativeOffset is returned by memoryFile.Seek for offsets before the start.
	errNegativeOffset = errors.New("seek to negative offset")
)

// Clip is a decoded mono sample sequence.
type Clip struct {
	Samples []float32
	Format  Format
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	return Duration(len(c.Samples), c.Format.SampleRate)
}

// EncodeWAV writes mono samples in [-1, 1] as a 16-bit PCM WAV container.
// Samples outside the range are clipped.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	format := NewMonoFormat(sampleRate)

	validateErr := format.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	scale := format.fullScale()
	data := make([]int, len(samples))

	for i, sample := range samples {
		clipped := math.Max(-1, math.Min(1, float64(sample)))
		data[i] = int(math.Round(clipped * scale))
	}

	output := &memoryFile{}
	encoder := wav.NewEncoder(output, format.SampleRate, format.BitDepth, format.Channels, wavFormatPCM)

	writeErr := encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		Data:           data,
		SourceBitDepth: format.BitDepth,
	})
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write PCM frames: %w", writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to finalize WAV header: %w", closeErr)
	}

	return output.Bytes(), nil
}

// DecodeWAV reads an integer PCM or 32-bit IEEE float WAV container.
// Multi-channel audio is averaged down to mono.
func DecodeWAV(data []byte) (*Clip, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		BitDepth:   int(decoder.BitDepth),
		Channels:   int(decoder.NumChans),
	}

	validateErr := format.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, validateErr)
	}

	var (
		interleaved []float64
		err         error
	)

	switch {
	case decoder.WavAudioFormat == wavFormatFloat && format.BitDepth == bitDepth32:
		interleaved, err = decodeFloat32(decoder)
	case decoder.WavAudioFormat == wavFormatPCM,
		decoder.WavAudioFormat == wavFormatExtensible && format.BitDepth < bitDepth32:
		interleaved, err = decodePCM(decoder, format)
	default:
		return nil, fmt.Errorf(errFmtUnsupportedEncoding, ErrInvalidWAV, decoder.WavAudioFormat, format.BitDepth)
	}

	if err != nil {
		return nil, err
	}

	frames := len(interleaved) / format.Channels
	samples := make([]float32, frames)

	for frame := range samples {
		var sum float64
		for channel := range format.Channels {
			sum += interleaved[frame*format.Channels+channel]
		}

		samples[frame] = float32(sum / float64(format.Channels))
	}

	return &Clip{
		Samples: samples,
		Format:  NewMonoFormat(format.SampleRate),
	}, nil
}

// decodePCM reads integer samples and scales them to [-1, 1]. 8-bit WAV is unsigned
// with silence at 128; wider depths are signed.
func decodePCM(decoder *wav.Decoder, format Format) ([]float64, error) {
	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	scale := format.fullScale() + 1

	var offset float64
	if format.BitDepth == bitDepth8 {
		offset = unsigned8Midpoint
	}

	values := make([]float64, len(buffer.Data))
	for i, value := range buffer.Data {
		values[i] = (float64(value) - offset) / scale
	}

	return values, nil
}

// decodeFloat32 reads little-endian IEEE float samples straight from the data chunk.
func decodeFloat32(decoder *wav.Decoder) ([]float64, error) {
	err := decoder.FwdToPCM()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	raw := make([]byte, decoder.PCMSize-decoder.PCMSize%float32Bytes)

	_, err = io.ReadFull(decoder.PCMChunk, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	values := make([]float64, len(raw)/float32Bytes)
	for i := range values {
		bits := binary.LittleEndian.Uint32(raw[i*float32Bytes:])
		values[i] = float64(math.Float32frombits(bits))
	}

	return values, nil
}

// memoryFile is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes once all frames are written.
type memoryFile struct {
	data   []byte
	offset int64
}

func (m *memoryFile) Write(p []byte) (int, error) {
	end := m.offset + int64(len(p))
	if gap := end - int64(len(m.data)); gap > 0 {
		m.data = append(m.data, make([]byte, gap)...)
	}

	copy(m.data[m.offset:], p)
	m.offset = end

	return len(p), nil
}

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = m.offset
	case io.SeekEnd:
		base = int64(len(m.data))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	next := base + offset
	if next < 0 {
		return 0, errNegativeOffset
	}

	m.offset = next

	return next, nil
}

// Bytes returns the written content.
func (m *memoryFile) Bytes() []byte {
	return m.data
}
