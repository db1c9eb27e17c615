// Command csm-client sends a synthesis job to the csm-service over NATS and writes
// the returned WAV file.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/csm-service/internal/config"
	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/csm-service/internal/handler"
	"github.com/book-expert/csm-service/internal/objectstore"
	"github.com/book-expert/csm-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagEmotionDesc = "Emotion hint sent with the text"
	flagOutputDesc  = "Output file path (.wav)"
	flagConfigDesc  = "Path to a TOML config file (defaults to the configurator)"
	flagTimeoutDesc = "How long to wait for the reply"
	flagHealthDesc  = "Check csm-service health and exit"
	flagFetchDesc   = "Download stored audio by its audio_key instead of synthesizing"
)

// Flag names.
const (
	flagText    = "text"
	flagEmotion = "emotion"
	flagOutput  = "output"
	flagConfig  = "config"
	flagTimeout = "timeout"
	flagHealth  = "health"
	flagFetch   = "fetch"
)

// Error and log messages.
const (
	errFailedToLoadConfig  = "failed to load configuration: %w"
	errFailedToInitLogger  = "failed to initialize logger: %w"
	errFailedToConnect     = "failed to connect to NATS at %s: %w"
	errHealthCheckFailed   = "health check failed: %w"
	errRequestFailed       = "synthesis request failed: %w"
	errServiceError        = "%w: %s"
	errFailedToDecodeAudio = "failed to decode audio: %w"
	errFailedToWriteAudio  = "failed to write audio to %s: %w"
	errFailedToFetchAudio  = "failed to fetch audio '%s': %w"
	errFailedToOpenStore   = "failed to open audio bucket: %w"
	logClientInitialized   = "CSM client initialized (subject: %s)"
	logRequesting          = "Requesting speech for %d characters, emotion '%s'"
	logGenerated           = "Generated: %s (%.2fs at %d Hz, %s)\n"
	logServiceHealthy      = "csm-service is healthy (model loaded: %t)\n"
	logFetched             = "Fetched: %s -> %s\n"
)

const (
	logFileName        = "csm-client.log"
	defaultOutputFile  = "output.wav"
	defaultTimeout     = 2 * time.Minute
	outputFileMode     = 0o644
	outputDirMode      = 0o755
	natsClientName     = "csm-client"
	healthCheckTimeout = 10 * time.Second
)

var (
	// errTextRequired is returned when none of --text, --fetch or --health is given.
	errTextRequired = errors.New("--text must be provided")
	// errNoBucket is returned when stored audio is needed but no bucket is configured.
	errNoBucket = errors.New("no audio object store bucket configured")
	// errServiceFailed wraps an error record returned by the service.
	errServiceFailed = errors.New("csm-service returned an error")
	// errServiceUnhealthy is returned when the health reply is not ok.
	errServiceUnhealthy = errors.New("csm-service is not healthy")
	// errNoAudio is returned when a success record carries no audio.
	errNoAudio = errors.New("response carries no audio")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	emotion string
	output  string
	config  string
	fetch   string
	timeout time.Duration
	health  bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	defer func() { _ = clientLog.Close() }()

	cfg, err := loadConfig(flags.config, clientLog)
	if err != nil {
		return fmt.Errorf(errFailedToLoadConfig, err)
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return fmt.Errorf(errFailedToConnect, cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	clientLog.Info(logClientInitialized, cfg.NATS.RequestSubject)

	if flags.health {
		return checkHealth(natsConnection, cfg.NATS, stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	if flags.fetch != "" {
		err = fetchAudio(ctx, natsConnection, cfg.NATS, flags.fetch, flags.output)
		if err != nil {
			clientLog.Error("%v", err)

			return err
		}

		fmt.Fprintf(stdout, logFetched, flags.fetch, flags.output)

		return nil
	}

	clientLog.Info(logRequesting, len(flags.text), flags.emotion)

	resp, err := requestSpeech(natsConnection, cfg.NATS, flags)
	if err != nil {
		clientLog.Error("%v", err)

		return err
	}

	err = saveAudio(ctx, natsConnection, cfg.NATS, resp, flags.output)
	if err != nil {
		clientLog.Error("%v", err)

		return err
	}

	fmt.Fprintf(stdout, logGenerated, flags.output, resp.Duration, resp.SampleRate, resp.ModelUsed)

	return nil
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet(natsClientName, flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.emotion, flagEmotion, "", flagEmotionDesc)
	flagSet.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.StringVar(&flags.fetch, flagFetch, "", flagFetchDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

func validateFlags(flags appFlags) error {
	if flags.health || flags.fetch != "" {
		return nil
	}

	if flags.text == "" {
		return errTextRequired
	}

	return nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load(log)
}

// checkHealth asks the service whether it is up and prints the answer.
func checkHealth(natsConnection *nats.Conn, cfg config.NATSConfig, stdout io.Writer) error {
	replyMsg, err := natsConnection.Request(cfg.HealthSubject(), nil, healthCheckTimeout)
	if err != nil {
		return fmt.Errorf(errHealthCheckFailed, err)
	}

	var health worker.HealthResponse

	err = json.Unmarshal(replyMsg.Data, &health)
	if err != nil {
		return fmt.Errorf(errHealthCheckFailed, err)
	}

	if health.Status != "ok" {
		return fmt.Errorf(errServiceError, errServiceUnhealthy, health.Status)
	}

	fmt.Fprintf(stdout, logServiceHealthy, health.ModelLoaded)

	return nil
}

// requestSpeech sends one job and returns the service's success record.
func requestSpeech(natsConnection *nats.Conn, cfg config.NATSConfig, flags appFlags) (handler.Response, error) {
	payload, err := json.Marshal(handler.Request{
		ID: uuid.NewString(),
		Input: handler.Input{
			Text:    flags.text,
			Emotion: flags.emotion,
		},
	})
	if err != nil {
		return handler.Response{}, fmt.Errorf(errRequestFailed, err)
	}

	replyMsg, err := natsConnection.Request(cfg.RequestSubject, payload, flags.timeout)
	if err != nil {
		return handler.Response{}, fmt.Errorf(errRequestFailed, err)
	}

	var resp handler.Response

	err = json.Unmarshal(replyMsg.Data, &resp)
	if err != nil {
		return handler.Response{}, fmt.Errorf(errRequestFailed, err)
	}

	if !resp.Succeeded() {
		return resp, fmt.Errorf(errServiceError, errServiceFailed, resp.Error)
	}

	return resp, nil
}

// saveAudio writes the reply's audio to path. A reply that carries only an
// audio_key is resolved through the configured bucket.
func saveAudio(
	ctx context.Context,
	natsConnection *nats.Conn,
	cfg config.NATSConfig,
	resp handler.Response,
	path string,
) error {
	if resp.AudioBase64 != "" || resp.AudioKey == "" {
		return writeAudio(resp, path)
	}

	return fetchAudio(ctx, natsConnection, cfg, resp.AudioKey, path)
}

// fetchAudio downloads a stored WAV by key and writes it to path.
func fetchAudio(ctx context.Context, natsConnection *nats.Conn, cfg config.NATSConfig, key, path string) error {
	store, err := openStore(natsConnection, cfg.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	return downloadAudio(ctx, store, key, path)
}

func openStore(natsConnection *nats.Conn, bucket string) (*objectstore.NatsObjectStore, error) {
	if bucket == "" {
		return nil, errNoBucket
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf(errFailedToOpenStore, err)
	}

	store, err := objectstore.New(jetstreamContext, bucket, objectstore.WithMaxPayload(natsConnection.MaxPayload()))
	if err != nil {
		return nil, fmt.Errorf(errFailedToOpenStore, err)
	}

	return store, nil
}

func downloadAudio(ctx context.Context, store core.ObjectStore, key, path string) error {
	wavData, err := store.Download(ctx, key)
	if err != nil {
		return fmt.Errorf(errFailedToFetchAudio, key, err)
	}

	return writeWAV(path, wavData)
}

// writeAudio decodes the inline audio and writes it to path.
func writeAudio(resp handler.Response, path string) error {
	if resp.AudioBase64 == "" {
		return errNoAudio
	}

	wavData, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return fmt.Errorf(errFailedToDecodeAudio, err)
	}

	return writeWAV(path, wavData)
}

func writeWAV(path string, wavData []byte) error {
	err := os.MkdirAll(filepath.Dir(path), outputDirMode)
	if err != nil {
		return fmt.Errorf(errFailedToWriteAudio, path, err)
	}

	err = os.WriteFile(path, wavData, outputFileMode)
	if err != nil {
		return fmt.Errorf(errFailedToWriteAudio, path, err)
	}

	return nil
}
