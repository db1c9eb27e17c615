// Package audio converts between floating point sample sequences and the WAV
// container returned to callers.
package audio

import (
	"errors"
	"fmt"
)

// Default output settings: 16-bit mono PCM.
const (
	DefaultBitDepth = 16
	DefaultChannels = 1
)

// Validation limits.
const (
	maxSampleRate = 192000
	maxChannels   = 8
)

// Supported bit depths.
const (
	bitDepth8  = 8
	bitDepth16 = 16
	bitDepth24 = 24
	bitDepth32 = 32
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d, got %d"
)

// ErrInvalidFormat is returned when a Format is outside the supported range.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes a PCM stream.
type Format struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

// NewMonoFormat returns a 16-bit single channel format at sampleRate.
func NewMonoFormat(sampleRate int) Format {
	return Format{
		SampleRate: sampleRate,
		BitDepth:   DefaultBitDepth,
		Channels:   DefaultChannels,
	}
}

// Validate checks that the format can be written as WAV.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate, f.SampleRate)
	}

	switch f.BitDepth {
	case bitDepth8, bitDepth16, bitDepth24, bitDepth32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat, f.BitDepth)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels, f.Channels)
	}

	return nil
}

// fullScale is the largest positive integer sample value at the format's bit depth.
func (f Format) fullScale() float64 {
	return float64(int64(1)<<(f.BitDepth-1) - 1)
}

// Duration returns the length in seconds of sampleCount frames at sampleRate.
func Duration(sampleCount, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}

	return float64(sampleCount) / float64(sampleRate)
}
