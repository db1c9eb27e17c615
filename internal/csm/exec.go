package csm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/logger"
)

// noCompileEnv disables just-in-time compilation in the inference backend.
const noCompileEnv = "NO_TORCH_COMPILE=1"

// ExecConfig holds the settings for running the generator binary.
type ExecConfig struct {
	BinaryPath     string
	ModelPath      string
	Device         string
	DisableCompile bool
}

// ExecGenerator is a Generator that runs the CSM generator binary once per request.
// The binary writes a WAV file which is read back and decoded.
type ExecGenerator struct {
	config ExecConfig
	log    *logger.Logger
}

// NewExecGenerator resolves the binary on PATH and returns a generator for it.
func NewExecGenerator(cfg ExecConfig, log *logger.Logger) (*ExecGenerator, error) {
	resolved, err := exec.LookPath(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: generator binary %q: %w", ErrModelUnavailable, cfg.BinaryPath, err)
	}

	cfg.BinaryPath = resolved

	return &ExecGenerator{
		config: cfg,
		log:    log,
	}, nil
}

// Name returns the model identifier.
func (g *ExecGenerator) Name() string {
	return ModelName
}

// SampleRate returns the rate of generated audio.
func (g *ExecGenerator) SampleRate() int {
	return NativeSampleRate
}

// Close is a no-op; each generation is its own process.
func (g *ExecGenerator) Close() error {
	return nil
}

// Generate runs the binary for req and returns the decoded samples.
func (g *ExecGenerator) Generate(ctx context.Context, req core.GenerateRequest) ([]float32, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	tempFile, err := os.CreateTemp("", "csm-output-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for generator output: %w", err)
	}

	closeErr := tempFile.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			g.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	// #nosec G204 -- the binary path comes from configuration, text is a single argument
	cmd := exec.CommandContext(ctx, g.config.BinaryPath, g.buildArgs(req, tempFile.Name())...)
	cmd.Env = os.Environ()

	if g.config.DisableCompile {
		cmd.Env = append(cmd.Env, noCompileEnv)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("generator execution failed: %w - output: %s", err, string(output))
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	return decodeGenerated(audioData, NativeSampleRate)
}

func (g *ExecGenerator) buildArgs(req core.GenerateRequest, outputPath string) []string {
	args := []string{
		"--model", g.config.ModelPath,
		"--device", g.config.Device,
		"--text", req.Text,
		"--speaker", strconv.Itoa(req.Speaker),
		"--max-audio-length-ms", strconv.Itoa(req.MaxAudioLengthMS),
		"--output", outputPath,
	}

	if req.Temperature > 0 {
		args = append(args, "--temperature", strconv.FormatFloat(req.Temperature, 'f', 2, 64))
	}

	return args
}
