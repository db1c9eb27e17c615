// Package worker provides a NATS worker that answers speech synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/csm-service/internal/config"
	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/csm-service/internal/handler"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// handleMessageSlack is added to the job timeout to leave room for upload and reply.
const handleMessageSlack = 30 * time.Second

// drainPollInterval is how often Run checks whether the drained subscriptions closed.
const drainPollInterval = 10 * time.Millisecond

const errFmtPayloadTooLarge = "Response exceeds max payload: %d bytes > %d bytes"

const (
	healthStatusOK = "ok"
	audioKeySuffix = ".wav"
)

var (
	// ErrNilConnection indicates that no NATS connection was provided.
	ErrNilConnection = errors.New("nats connection cannot be nil")
	// ErrNilHandler indicates that no job handler was provided.
	ErrNilHandler = errors.New("job handler cannot be nil")
	// ErrDrainTimeout indicates that in-flight jobs outlived the shutdown deadline.
	ErrDrainTimeout = errors.New("timed out waiting for subscriptions to drain")
)

// JobHandler turns a raw job payload into a response record.
type JobHandler interface {
	HandleJSON(ctx context.Context, data []byte) handler.Response
}

// ModelState reports whether the speech model is resident.
type ModelState interface {
	Loaded() bool
}

// HealthResponse is the reply on the health subject.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NatsWorker listens for synthesis jobs on a NATS subject and replies with the result.
type NatsWorker struct {
	natsConnection *nats.Conn
	config         config.NATSConfig
	jobTimeout     time.Duration
	store          core.ObjectStore
	jobs           JobHandler
	models         ModelState
	log            *logger.Logger
	inflight       sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker. store and models may be nil:
// without a store audio is only returned inline, without models the health reply
// reports the model as not loaded.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg config.NATSConfig,
	jobTimeout time.Duration,
	store core.ObjectStore,
	jobs JobHandler,
	models ModelState,
	log *logger.Logger,
) (*NatsWorker, error) {
	if natsConnection == nil {
		return nil, ErrNilConnection
	}

	if jobs == nil {
		return nil, ErrNilHandler
	}

	if cfg.RequestSubject == "" {
		return nil, config.ErrRequestSubjectEmpty
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		config:         cfg,
		jobTimeout:     jobTimeout,
		store:          store,
		jobs:           jobs,
		models:         models,
		log:            log,
	}, nil
}

// Run subscribes to the job and health subjects and blocks until ctx is done,
// then drains both subscriptions and waits for in-flight jobs to finish.
func (w *NatsWorker) Run(ctx context.Context) error {
	jobSub, err := w.natsConnection.QueueSubscribe(w.config.RequestSubject, w.config.QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.config.RequestSubject, err)
	}

	healthSub, err := w.natsConnection.Subscribe(w.config.HealthSubject(), w.handleHealth)
	if err != nil {
		_ = jobSub.Unsubscribe()

		return fmt.Errorf("failed to subscribe to subject %s: %w", w.config.HealthSubject(), err)
	}

	flushErr := w.natsConnection.Flush()
	if flushErr != nil {
		w.log.Warn("Failed to flush subscriptions: %v", flushErr)
	}

	w.log.Info("Listening for jobs on '%s' (queue '%s')", w.config.RequestSubject, w.config.QueueGroup)

	<-ctx.Done()

	healthDrainErr := healthSub.Drain()
	jobDrainErr := jobSub.Drain()

	drainErr := errors.Join(jobDrainErr, healthDrainErr)
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return w.awaitDrained(jobSub, healthSub)
}

// awaitDrained blocks until the drained subscriptions have closed and every handler
// that was already running has returned, so callers may release shared resources.
func (w *NatsWorker) awaitDrained(subs ...*nats.Subscription) error {
	deadline := time.NewTimer(w.jobTimeout + 2*handleMessageSlack)
	defer deadline.Stop()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for anyValid(subs) {
		select {
		case <-ticker.C:
		case <-deadline.C:
			return ErrDrainTimeout
		}
	}

	w.inflight.Wait()

	return nil
}

func anyValid(subs []*nats.Subscription) bool {
	for _, sub := range subs {
		if sub.IsValid() {
			return true
		}
	}

	return false
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	w.inflight.Add(1)
	defer w.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout+handleMessageSlack)
	defer cancel()

	resp := w.jobs.HandleJSON(ctx, msg.Data)

	if resp.Succeeded() && w.store != nil {
		w.persistAudio(ctx, &resp)
	}

	err := w.replyJob(msg, resp)
	if err != nil {
		w.log.Error("Failed to reply to job %s: %v", resp.ID, err)
	}
}

// replyJob sends resp, keeping it under the server's max payload. When the audio
// was stored, the inline copy is dropped first; otherwise the caller gets an error
// record instead of a reply the server would refuse.
func (w *NatsWorker) replyJob(msg *nats.Msg, resp handler.Response) error {
	if msg.Reply == "" {
		return nats.ErrMsgNoReply
	}

	replyData, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	limit := w.natsConnection.MaxPayload()

	if int64(len(replyData)) > limit && resp.AudioKey != "" {
		w.log.Warn("Reply for job %s is %d bytes; sending audio_key '%s' without inline audio",
			resp.ID, len(replyData), resp.AudioKey)

		resp.AudioBase64 = ""

		replyData, err = json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal reply: %w", err)
		}
	}

	if size := int64(len(replyData)); size > limit {
		w.log.Error("Reply for job %s is %d bytes, over the %d byte max payload", resp.ID, size, limit)

		replyData, err = json.Marshal(handler.Response{
			ID:     resp.ID,
			Status: handler.StatusError,
			Error:  fmt.Sprintf(errFmtPayloadTooLarge, size, limit),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal reply: %w", err)
		}
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}

// persistAudio uploads the WAV and announces it. Failures are logged; the inline
// audio is still returned to the caller.
func (w *NatsWorker) persistAudio(ctx context.Context, resp *handler.Response) {
	audioKey := uuid.NewString() + audioKeySuffix

	err := w.store.Upload(ctx, audioKey, resp.WAV)
	if err != nil {
		w.log.Error("Failed to upload audio data for key '%s': %v", audioKey, err)

		return
	}

	resp.AudioKey = audioKey

	if w.config.AudioChunkCreatedSubject == "" {
		return
	}

	err = w.publishAudioCreated(resp.ID, audioKey)
	if err != nil {
		w.log.Error("Failed to publish audio event for key '%s': %v", audioKey, err)
	}
}

func (w *NatsWorker) publishAudioCreated(jobID, audioKey string) error {
	workflowID := jobID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	event := &events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: workflowID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		AudioKey:   audioKey,
		PageNumber: 0,
		TotalPages: 0,
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audio event: %w", err)
	}

	err = w.natsConnection.Publish(w.config.AudioChunkCreatedSubject, eventData)
	if err != nil {
		return fmt.Errorf("failed to publish audio event: %w", err)
	}

	return nil
}

func (w *NatsWorker) handleHealth(msg *nats.Msg) {
	w.inflight.Add(1)
	defer w.inflight.Done()

	health := HealthResponse{
		Status:      healthStatusOK,
		ModelLoaded: w.models != nil && w.models.Loaded(),
	}

	err := w.reply(msg, health)
	if err != nil {
		w.log.Error("Failed to reply to health check: %v", err)
	}
}

// reply marshals v and responds to msg.
func (w *NatsWorker) reply(msg *nats.Msg, v any) error {
	if msg.Reply == "" {
		return nats.ErrMsgNoReply
	}

	replyData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}
