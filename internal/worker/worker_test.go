// Package worker_test tests the NATS worker for the csm-service.
package worker_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/csm-service/internal/config"
	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/csm-service/internal/handler"
	"github.com/book-expert/csm-service/internal/worker"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requestTimeout = 5 * time.Second

var (
	errMockUpload   = errors.New("mock upload error")
	errMockLoad     = errors.New("mock load error")
	errMockNotFound = errors.New("mock object not found")
)

// mockObjectStore is a mock implementation of the ObjectStore interface.
type mockObjectStore struct {
	mu               sync.Mutex
	uploadShouldFail bool
	uploadedKey      string
	uploadedData     []byte
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != m.uploadedKey {
		return nil, errMockNotFound
	}

	return m.uploadedData, nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uploadShouldFail {
		return errMockUpload
	}

	m.uploadedKey = key
	m.uploadedData = data

	return nil
}

func (m *mockObjectStore) uploaded() (string, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.uploadedKey, m.uploadedData
}

// unavailableModels always fails to load, so jobs are answered by the fallback tone.
type unavailableModels struct{}

func (unavailableModels) Get(_ context.Context) (core.Generator, error) {
	return nil, errMockLoad
}

type modelState struct {
	loaded atomic.Bool
}

func (m *modelState) Loaded() bool { return m.loaded.Load() }

type testEnv struct {
	natsConnection *nats.Conn
	config         config.NATSConfig
	store          *mockObjectStore
	models         *modelState
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	return createLimitedNatsClient(t, 0)
}

// createLimitedNatsClient starts a server with the given max payload; zero keeps
// the server default.
func createLimitedNatsClient(t *testing.T, maxPayload int32) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1

	if maxPayload > 0 {
		opts.MaxPayload = maxPayload
	}

	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// startWorker runs a worker backed by the real handler until the test ends.
func startWorker(t *testing.T, store core.ObjectStore) *testEnv {
	t.Helper()

	return startWorkerOn(t, createTestNatsClient(t), store)
}

func startWorkerOn(t *testing.T, natsConnection *nats.Conn, store core.ObjectStore) *testEnv {
	t.Helper()

	log := newTestLogger(t)

	var cfg config.Config

	cfg.ApplyDefaults()
	cfg.CSM.Fallback = config.FallbackTone

	jobs := handler.New(unavailableModels{}, cfg.CSM, log)
	models := &modelState{}

	workerInstance, err := worker.NewNatsWorker(natsConnection, cfg.NATS, cfg.CSM.Timeout(), store, jobs, models, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	waitForSubscription(t, natsConnection, cfg.NATS.HealthSubject())

	env := &testEnv{natsConnection: natsConnection, config: cfg.NATS, models: models}
	if mockStore, ok := store.(*mockObjectStore); ok {
		env.store = mockStore
	}

	return env
}

// waitForSubscription polls the health subject until the worker answers.
func waitForSubscription(t *testing.T, natsConnection *nats.Conn, subject string) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, err := natsConnection.Request(subject, nil, 100*time.Millisecond)

		return err == nil
	}, requestTimeout, 20*time.Millisecond)
}

func requestJob(t *testing.T, env *testEnv, payload string) handler.Response {
	t.Helper()

	replyMsg, err := env.natsConnection.Request(env.config.RequestSubject, []byte(payload), requestTimeout)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var resp handler.Response

	require.NoError(t, json.Unmarshal(replyMsg.Data, &resp))

	return resp
}

func TestMessageHandler_SuccessWithStore(t *testing.T) {
	t.Parallel()

	env := startWorker(t, &mockObjectStore{})

	eventMsgs := make(chan *nats.Msg, 1)
	eventSub, err := env.natsConnection.ChanSubscribe(env.config.AudioChunkCreatedSubject, eventMsgs)
	require.NoError(t, err)

	t.Cleanup(func() { _ = eventSub.Unsubscribe() })
	require.NoError(t, env.natsConnection.Flush())

	resp := requestJob(t, env, `{"id": "job-1", "input": {"text": "Hi"}}`)

	require.Equal(t, handler.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "job-1", resp.ID)
	assert.Equal(t, 24000, resp.SampleRate)
	assert.InDelta(t, 1.0, resp.Duration, 1e-9)
	assert.Equal(t, handler.FallbackModelName, resp.ModelUsed)

	uploadedKey, uploadedData := env.store.uploaded()
	assert.Equal(t, uploadedKey, resp.AudioKey)
	assert.Regexp(t, `^[0-9a-f-]{36}\.wav$`, resp.AudioKey)

	inline, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	require.NoError(t, err)
	assert.Equal(t, inline, uploadedData)

	select {
	case eventMsg := <-eventMsgs:
		var event events.AudioChunkCreatedEvent

		require.NoError(t, json.Unmarshal(eventMsg.Data, &event))
		assert.Equal(t, resp.AudioKey, event.AudioKey)
		assert.Equal(t, "job-1", event.Header.WorkflowID)
		assert.NotEmpty(t, event.Header.EventID)
		assert.False(t, event.Header.Timestamp.IsZero())
	case <-time.After(requestTimeout):
		t.Fatal("audio chunk created event was not published")
	}
}

func TestMessageHandler_WithoutStore(t *testing.T) {
	t.Parallel()

	env := startWorker(t, nil)

	resp := requestJob(t, env, `{"input": {"prompt": "No bucket configured"}}`)

	require.Equal(t, handler.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "No bucket configured", resp.Text)
	assert.Empty(t, resp.AudioKey)
	assert.NotEmpty(t, resp.AudioBase64)
}

func TestMessageHandler_UploadFailureKeepsInlineAudio(t *testing.T) {
	t.Parallel()

	env := startWorker(t, &mockObjectStore{uploadShouldFail: true})

	resp := requestJob(t, env, `{"input": {"text": "Hi"}}`)

	require.Equal(t, handler.StatusSuccess, resp.Status, resp.Error)
	assert.Empty(t, resp.AudioKey)
	assert.NotEmpty(t, resp.AudioBase64)
}

func TestMessageHandler_InvalidJSON(t *testing.T) {
	t.Parallel()

	env := startWorker(t, &mockObjectStore{})

	resp := requestJob(t, env, `not json`)

	assert.Equal(t, handler.StatusError, resp.Status)
	assert.NotEmpty(t, resp.Error)

	uploadedKey, _ := env.store.uploaded()
	assert.Empty(t, uploadedKey, "failed jobs are never uploaded")
}

func TestMessageHandler_OversizedReplyDropsInlineAudio(t *testing.T) {
	t.Parallel()

	// One second of 24 kHz 16-bit audio is about 64 KiB once base64 encoded.
	env := startWorkerOn(t, createLimitedNatsClient(t, 32*1024), &mockObjectStore{})

	resp := requestJob(t, env, `{"id": "big-1", "input": {"text": "Hi"}}`)

	require.Equal(t, handler.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "big-1", resp.ID)
	assert.Empty(t, resp.AudioBase64)

	uploadedKey, uploadedData := env.store.uploaded()
	assert.Equal(t, uploadedKey, resp.AudioKey)
	assert.NotEmpty(t, uploadedData)
}

func TestMessageHandler_OversizedReplyWithoutStore(t *testing.T) {
	t.Parallel()

	env := startWorkerOn(t, createLimitedNatsClient(t, 32*1024), nil)

	resp := requestJob(t, env, `{"id": "big-2", "input": {"text": "Hi"}}`)

	assert.Equal(t, handler.StatusError, resp.Status)
	assert.Equal(t, "big-2", resp.ID)
	assert.Contains(t, resp.Error, "Response exceeds max payload")
	assert.Empty(t, resp.AudioBase64)
}

func TestMessageHandler_OversizedReplyAfterUploadFailure(t *testing.T) {
	t.Parallel()

	env := startWorkerOn(t, createLimitedNatsClient(t, 32*1024), &mockObjectStore{uploadShouldFail: true})

	resp := requestJob(t, env, `{"input": {"text": "Hi"}}`)

	assert.Equal(t, handler.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "Response exceeds max payload")
}

// slowJobs blocks long enough for the worker to be told to stop mid-job.
type slowJobs struct {
	started   chan struct{}
	startOnce sync.Once
	finished  atomic.Bool
}

func (s *slowJobs) HandleJSON(_ context.Context, _ []byte) handler.Response {
	s.startOnce.Do(func() { close(s.started) })
	time.Sleep(200 * time.Millisecond)
	s.finished.Store(true)

	return handler.Response{ID: "slow", Status: handler.StatusSuccess}
}

func TestRun_WaitsForInFlightJobs(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	log := newTestLogger(t)

	var cfg config.Config

	cfg.ApplyDefaults()

	jobs := &slowJobs{started: make(chan struct{})}

	workerInstance, err := worker.NewNatsWorker(natsConnection, cfg.NATS, time.Second, nil, jobs, nil, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	waitForSubscription(t, natsConnection, cfg.NATS.HealthSubject())

	replyChan := make(chan *nats.Msg, 1)
	replyErrChan := make(chan error, 1)

	go func() {
		replyMsg, reqErr := natsConnection.Request(cfg.NATS.RequestSubject, []byte(`{}`), requestTimeout)
		replyErrChan <- reqErr
		replyChan <- replyMsg
	}()

	select {
	case <-jobs.started:
	case <-time.After(requestTimeout):
		t.Fatal("job never started")
	}

	cancel()

	require.NoError(t, <-errChan)
	assert.True(t, jobs.finished.Load(), "Run returned while a job was still running")

	require.NoError(t, <-replyErrChan)

	var resp handler.Response

	require.NoError(t, json.Unmarshal((<-replyChan).Data, &resp))
	assert.Equal(t, "slow", resp.ID)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	env := startWorker(t, nil)

	requestHealth := func() worker.HealthResponse {
		replyMsg, err := env.natsConnection.Request(env.config.HealthSubject(), nil, requestTimeout)
		require.NoError(t, err)

		var health worker.HealthResponse

		require.NoError(t, json.Unmarshal(replyMsg.Data, &health))

		return health
	}

	health := requestHealth()
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.ModelLoaded)

	env.models.loaded.Store(true)

	assert.True(t, requestHealth().ModelLoaded)
}

func TestNewNatsWorker_Validation(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	log := newTestLogger(t)

	var cfg config.Config

	cfg.ApplyDefaults()

	jobs := handler.New(unavailableModels{}, cfg.CSM, log)

	_, err := worker.NewNatsWorker(nil, cfg.NATS, time.Second, nil, jobs, nil, log)
	require.ErrorIs(t, err, worker.ErrNilConnection)

	_, err = worker.NewNatsWorker(natsConnection, cfg.NATS, time.Second, nil, nil, nil, log)
	require.ErrorIs(t, err, worker.ErrNilHandler)

	emptySubject := cfg.NATS
	emptySubject.RequestSubject = ""

	_, err = worker.NewNatsWorker(natsConnection, emptySubject, time.Second, nil, jobs, nil, log)
	require.ErrorIs(t, err, config.ErrRequestSubjectEmpty)
}
