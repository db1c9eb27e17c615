// Package synth provides the deterministic fallback tone used when no speech model
// is available.
package synth

import (
	"math"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// DefaultSampleRate is the sample rate of the fallback tone when none is given.
const DefaultSampleRate = 24000

// Tone shape parameters.
const (
	minDurationSeconds  = 1.0
	secondsPerCharacter = 0.1
	baseFrequency       = 440.0
	frequencyBuckets    = 1000
	frequencySpread     = 200
	amplitude           = 0.3
	decayRate           = 1.5
	vibratoRate         = 5.0
	vibratoDepth        = 0.1
)

// Duration returns the length of the fallback tone for text, in seconds.
// It is 0.1s per character with a floor of one second.
func Duration(text string) float64 {
	return math.Max(minDurationSeconds, secondsPerCharacter*float64(utf8.RuneCountInString(text)))
}

// Frequency returns the carrier frequency for text, in [440, 640) Hz.
func Frequency(text string) float64 {
	sum := xxhash.Sum64String(text)

	return baseFrequency + float64((sum%frequencyBuckets)%frequencySpread)
}

// SampleCount returns how many samples Tone produces for text at sampleRate.
func SampleCount(text string, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	return int(math.Round(float64(sampleRate) * Duration(text)))
}

// Tone synthesizes a mono waveform derived from text: a decaying sine at
// Frequency(text) with a slow 5 Hz amplitude modulation. The same text always
// yields the same samples. A non-positive sampleRate selects DefaultSampleRate.
func Tone(text string, sampleRate int) []float32 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	frequency := Frequency(text)
	samples := make([]float32, SampleCount(text, sampleRate))
	rate := float64(sampleRate)

	for i := range samples {
		t := float64(i) / rate
		carrier := amplitude * math.Sin(2*math.Pi*frequency*t)
		envelope := math.Exp(-decayRate * t)
		vibrato := 1 + vibratoDepth*math.Sin(2*math.Pi*vibratoRate*t)
		samples[i] = float32(carrier * envelope * vibrato)
	}

	return samples
}
