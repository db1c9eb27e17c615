// Package csm provides handles to the CSM-1B speech model. The model itself runs
// outside this process: either behind an inference server reached over HTTP or as a
// generator binary run once per request.
package csm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/csm-service/internal/audio"
	"github.com/book-expert/csm-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// NativeSampleRate is the output rate of the CSM-1B audio codec.
const NativeSampleRate = 24000

// ModelName identifies the real model in response records.
const ModelName = "csm-1b"

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode = "CSM service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "CSM service returned non-OK status: %s, body: %s"
	errFmtSampleRateMismatch   = "%w: model reported %d Hz, audio is %d Hz"
)

var (
	// ErrModelUnavailable is returned when no model can be loaded.
	ErrModelUnavailable = errors.New("CSM model unavailable")
	// ErrTextEmpty is returned when generation is asked for empty text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrEmptyAudio is returned when the backend produced no audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrSampleRateMismatch is returned when generated audio is not at the model's rate.
	ErrSampleRateMismatch = errors.New("sample rate mismatch")
)

// SpeechRequest is the JSON payload sent to the inference server.
type SpeechRequest struct {
	Text             string         `json:"text"`
	Speaker          int            `json:"speaker"`
	Context          []core.Segment `json:"context"`
	MaxAudioLengthMS int            `json:"max_audio_length_ms"`
	Temperature      float64        `json:"temperature,omitempty"`
}

// ErrorResponse is a structured error returned by the inference server.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HealthResponse is returned by the inference server's health endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Model      string `json:"model,omitempty"`
	Device     string `json:"device,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// HTTPGenerator is a Generator backed by a CSM inference server.
type HTTPGenerator struct {
	httpClient *http.Client
	baseURL    string
	sampleRate int
	device     string
}

// NewHTTPGenerator creates a generator for the server at baseURL
// (e.g. "http://localhost:8000"). The timeout applies to every request.
func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: NativeSampleRate,
	}
}

// Name returns the model identifier.
func (g *HTTPGenerator) Name() string {
	return ModelName
}

// SampleRate returns the rate of generated audio.
func (g *HTTPGenerator) SampleRate() int {
	return g.sampleRate
}

// Device returns the device the server reported, if any.
func (g *HTTPGenerator) Device() string {
	return g.device
}

// Close releases idle connections.
func (g *HTTPGenerator) Close() error {
	g.httpClient.CloseIdleConnections()

	return nil
}

// HealthCheck verifies the server is up and records the sample rate and device it
// reports. A non-JSON 200 response counts as healthy.
func (g *HTTPGenerator) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", g.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	var health HealthResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&health)
	if decodeErr != nil {
		return nil
	}

	if health.SampleRate > 0 {
		g.sampleRate = health.SampleRate
	}

	g.device = health.Device

	return nil
}

// Generate sends the text to the server and decodes the returned WAV.
func (g *HTTPGenerator) Generate(ctx context.Context, req core.GenerateRequest) ([]float32, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	segments := req.Context
	if segments == nil {
		segments = []core.Segment{}
	}

	requestBody, err := json.Marshal(SpeechRequest{
		Text:             req.Text,
		Speaker:          req.Speaker,
		Context:          segments,
		MaxAudioLengthMS: req.MaxAudioLengthMS,
		Temperature:      req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to CSM service at %s: %w", g.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if mediaType != contentTypeWAV {
		return nil, fmt.Errorf(errUnexpectedContentType, resp.Header.Get(headerContentType))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	return decodeGenerated(audioData, g.sampleRate)
}

// decodeGenerated turns backend WAV output into samples at the expected rate.
func decodeGenerated(audioData []byte, sampleRate int) ([]float32, error) {
	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	clip, err := audio.DecodeWAV(audioData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode generated audio: %w", err)
	}

	if clip.Format.SampleRate != sampleRate {
		return nil, fmt.Errorf(errFmtSampleRateMismatch, ErrSampleRateMismatch, sampleRate, clip.Format.SampleRate)
	}

	return clip.Samples, nil
}

// parseErrorResponse decodes a structured JSON error from the server, falling back
// to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
