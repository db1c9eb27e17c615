// Package handler turns a synthesis job into a response record. Every failure is
// reported in the record; Handle never returns an error and never panics.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/book-expert/csm-service/internal/audio"
	"github.com/book-expert/csm-service/internal/config"
	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/csm-service/internal/synth"
	"github.com/book-expert/logger"
	"github.com/jellydator/ttlcache/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// FallbackModelName identifies the tone synthesizer in response records.
const FallbackModelName = "fallback-tone"

// Tone cache sizing. Tones are deterministic, so entries never go stale; the TTL
// only bounds memory held by one-off texts. Tones longer than
// maxCachedToneSeconds are rebuilt on every request.
const (
	toneCacheTTL         = 10 * time.Minute
	toneCacheCapacity    = 64
	maxCachedToneSeconds = 5
)

const requestSchemaURL = "csm-request.json"

// requestSchemaFormat describes a job payload; the verbs take the text length
// limit in characters. Unknown fields are ignored.
const requestSchemaFormat = `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "input": {
      "type": ["object", "null"],
      "properties": {
        "text": {"type": "string", "maxLength": %[1]d},
        "prompt": {"type": "string", "maxLength": %[1]d},
        "emotion": {"type": "string", "maxLength": %[2]d}
      }
    }
  }
}`

// maxEmotionLength bounds the free-form emotion hint.
const maxEmotionLength = 64

// Error messages returned to callers.
const (
	msgModelLoadFailed  = "Failed to load CSM model - check dependencies"
	msgFmtGeneration    = "Audio generation failed: %v"
	msgFmtEncoding      = "Audio saving failed: %v"
	msgFmtInvalidInput  = "Invalid request: %v"
	msgFmtTextTooLong   = "text exceeds %d characters"
	msgFmtUnexpected    = "%v"
	logFmtProcessing    = "Processing request: %s"
	logFmtInput         = "Input received - Text: '%s', Emotion: '%s'"
	logFmtGenerating    = "Generating audio for: '%s'"
	logFmtGenerated     = "Generated audio: %d bytes (%s)"
	logFmtLoadFailed    = "Failed to load CSM model: %v"
	logFmtGenFailed     = "Audio generation failed: %v"
	logFmtSaveFailed    = "Audio saving failed: %v"
	logFmtUsingFallback = "Falling back to tone synthesis for: '%s'"
	logFmtPanic         = "Handler error: %v\n%s"
)

// Failure stages.
var (
	// ErrModelLoad marks a failure to obtain the model handle.
	ErrModelLoad = errors.New("model load failed")
	// ErrGeneration marks a failure while generating samples.
	ErrGeneration = errors.New("audio generation failed")
	// ErrEncoding marks a failure while building the WAV container.
	ErrEncoding = errors.New("audio encoding failed")
)

// ModelSource hands out the model handle.
type ModelSource interface {
	Get(ctx context.Context) (core.Generator, error)
}

// Input is the caller-supplied part of a job. When decoded from JSON, a text or
// emotion that is present but empty is kept as given; only absent fields get
// the configured defaults.
type Input struct {
	Text    string `json:"text,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Emotion string `json:"emotion,omitempty"`

	textSet    bool
	emotionSet bool
}

// UnmarshalJSON decodes the input and records which optional fields were present.
func (in *Input) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	type plain Input

	var fields struct {
		plain

		Text    *string `json:"text"`
		Emotion *string `json:"emotion"`
	}

	err := json.Unmarshal(data, &fields)
	if err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}

	*in = Input(fields.plain)

	if fields.Text != nil {
		in.Text, in.textSet = *fields.Text, true
	}

	if fields.Emotion != nil {
		in.Emotion, in.emotionSet = *fields.Emotion, true
	}

	return nil
}

// Request is a single synthesis job.
type Request struct {
	ID    string `json:"id,omitempty"`
	Input Input  `json:"input"`
}

// Response is the record returned for every job.
type Response struct {
	ID          string  `json:"id,omitempty"`
	AudioBase64 string  `json:"audio_base64,omitempty"`
	AudioKey    string  `json:"audio_key,omitempty"`
	Text        string  `json:"text,omitempty"`
	Emotion     string  `json:"emotion,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Status      string  `json:"status"`
	ModelUsed   string  `json:"model_used,omitempty"`
	Error       string  `json:"error,omitempty"`
	DebugInfo   string  `json:"debug_info,omitempty"`
	Traceback   string  `json:"traceback,omitempty"`

	// WAV holds the encoded audio for callers that persist it.
	WAV []byte `json:"-"`
}

// Succeeded reports whether the response carries audio.
func (r *Response) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Handler runs synthesis jobs.
type Handler struct {
	models        ModelSource
	config        config.CSMConfig
	schema        *jsonschema.Schema
	maxTextLength int
	tones         *ttlcache.Cache[string, []float32]
	log           *logger.Logger
}

// New creates a Handler. cfg is expected to have defaults applied.
func New(models ModelSource, cfg config.CSMConfig, log *logger.Logger) *Handler {
	tones := ttlcache.New[string, []float32](
		ttlcache.WithTTL[string, []float32](toneCacheTTL),
		ttlcache.WithCapacity[string, []float32](toneCacheCapacity),
	)

	maxTextLength := cfg.MaxTextLength
	if maxTextLength <= 0 {
		maxTextLength = config.DefaultMaxTextLength
	}

	schema := jsonschema.MustCompileString(requestSchemaURL,
		fmt.Sprintf(requestSchemaFormat, maxTextLength, maxEmotionLength))

	return &Handler{
		models:        models,
		config:        cfg,
		schema:        schema,
		maxTextLength: maxTextLength,
		tones:         tones,
		log:           log,
	}
}

type synthesis struct {
	samples    []float32
	sampleRate int
	modelUsed  string
}

// stageError ties a failure stage to its cause.
type stageError struct {
	stage error
	cause error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%v: %v", e.stage, e.cause)
}

func (e *stageError) Unwrap() []error {
	return []error{e.stage, e.cause}
}

// HandleJSON decodes a JSON job, checks it against the request schema and handles it.
func (h *Handler) HandleJSON(ctx context.Context, data []byte) Response {
	h.log.Info(logFmtProcessing, string(data))

	req, err := h.decodeRequest(data)
	if err != nil {
		h.log.Warn(msgFmtInvalidInput, err)

		return Response{
			Status: StatusError,
			Error:  fmt.Sprintf(msgFmtInvalidInput, err),
		}
	}

	return h.Handle(ctx, req)
}

func (h *Handler) decodeRequest(data []byte) (Request, error) {
	var raw any

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return Request{}, fmt.Errorf("malformed JSON: %w", err)
	}

	err = h.schema.Validate(raw)
	if err != nil {
		return Request{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var req Request

	err = json.Unmarshal(data, &req)
	if err != nil {
		return Request{}, fmt.Errorf("malformed request: %w", err)
	}

	return req, nil
}

// Handle runs one job: resolve input, get the model or fall back, encode, respond.
func (h *Handler) Handle(ctx context.Context, req Request) (resp Response) {
	defer func() { resp.ID = req.ID }()

	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		stack := string(debug.Stack())
		h.log.Error(logFmtPanic, recovered, stack)

		resp = Response{
			Status:    StatusError,
			Error:     fmt.Sprintf(msgFmtUnexpected, recovered),
			Traceback: stack,
		}
	}()

	text, emotion := h.resolveInput(req.Input)
	h.log.Info(logFmtInput, text, emotion)

	if utf8.RuneCountInString(text) > h.maxTextLength {
		return Response{
			Status: StatusError,
			Error:  fmt.Sprintf(msgFmtInvalidInput, fmt.Sprintf(msgFmtTextTooLong, h.maxTextLength)),
		}
	}

	if timeout := h.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := h.synthesize(ctx, text)
	if err != nil {
		return errorResponse(err)
	}

	wavData, err := audio.EncodeWAV(result.samples, result.sampleRate)
	if err != nil {
		h.log.Error(logFmtSaveFailed, err)

		return errorResponse(&stageError{stage: ErrEncoding, cause: err})
	}

	h.log.Info(logFmtGenerated, len(wavData), result.modelUsed)

	return Response{
		AudioBase64: base64.StdEncoding.EncodeToString(wavData),
		Text:        text,
		Emotion:     emotion,
		SampleRate:  result.sampleRate,
		Duration:    audio.Duration(len(result.samples), result.sampleRate),
		Status:      StatusSuccess,
		ModelUsed:   result.modelUsed,
		WAV:         wavData,
	}
}

// resolveInput applies the prompt-over-text precedence and the defaults. An empty
// prompt defers to text; a text or emotion sent as "" is kept.
func (h *Handler) resolveInput(input Input) (text, emotion string) {
	switch {
	case input.Prompt != "":
		text = input.Prompt
	case input.Text != "" || input.textSet:
		text = input.Text
	default:
		text = h.config.DefaultText
	}

	emotion = input.Emotion
	if emotion == "" && !input.emotionSet {
		emotion = h.config.DefaultEmotion
	}

	return text, emotion
}

func (h *Handler) synthesize(ctx context.Context, text string) (synthesis, error) {
	generator, err := h.models.Get(ctx)
	if err != nil {
		h.log.Error(logFmtLoadFailed, err)

		if h.config.FallbackEnabled() {
			return h.fallback(text), nil
		}

		return synthesis{}, &stageError{stage: ErrModelLoad, cause: err}
	}

	h.log.Info(logFmtGenerating, text)

	samples, err := generator.Generate(ctx, core.GenerateRequest{
		Text:             text,
		Speaker:          h.config.Speaker,
		Context:          []core.Segment{},
		MaxAudioLengthMS: h.config.MaxAudioLengthMS,
		Temperature:      h.config.Temperature,
	})
	if err != nil {
		h.log.Error(logFmtGenFailed, err)

		if h.config.FallbackEnabled() {
			return h.fallback(text), nil
		}

		return synthesis{}, &stageError{stage: ErrGeneration, cause: err}
	}

	return synthesis{
		samples:    samples,
		sampleRate: generator.SampleRate(),
		modelUsed:  generator.Name(),
	}, nil
}

func (h *Handler) fallback(text string) synthesis {
	h.log.Warn(logFmtUsingFallback, text)

	sampleRate := h.config.FallbackSampleRate
	if sampleRate <= 0 {
		sampleRate = synth.DefaultSampleRate
	}

	key := strconv.Itoa(sampleRate) + ":" + text

	if item := h.tones.Get(key); item != nil {
		return synthesis{samples: item.Value(), sampleRate: sampleRate, modelUsed: FallbackModelName}
	}

	samples := synth.Tone(text, sampleRate)
	if len(samples) <= maxCachedToneSeconds*sampleRate {
		h.tones.Set(key, samples, ttlcache.DefaultTTL)
	}

	return synthesis{
		samples:    samples,
		sampleRate: sampleRate,
		modelUsed:  FallbackModelName,
	}
}

// errorResponse shapes a stage failure into the record callers receive.
func errorResponse(err error) Response {
	var staged *stageError

	cause := err
	if errors.As(err, &staged) {
		cause = staged.cause
	}

	switch {
	case errors.Is(err, ErrModelLoad):
		return Response{Status: StatusError, Error: msgModelLoadFailed, DebugInfo: cause.Error()}
	case errors.Is(err, ErrGeneration):
		return Response{Status: StatusError, Error: fmt.Sprintf(msgFmtGeneration, cause)}
	case errors.Is(err, ErrEncoding):
		return Response{Status: StatusError, Error: fmt.Sprintf(msgFmtEncoding, cause)}
	default:
		return Response{Status: StatusError, Error: err.Error()}
	}
}
