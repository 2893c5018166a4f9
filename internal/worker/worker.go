// Package worker renders book pages delivered over NATS with the resident speech model.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/speechd/internal/core"
	"github.com/book-expert/speechd/internal/text"
	"github.com/book-expert/speechd/internal/voice"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultMessageTimeout = 5 * time.Minute

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrTextKeyEmpty indicates an event that does not reference any text.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrNothingToSay indicates a page whose text is empty after normalization.
	ErrNothingToSay = errors.New("text is empty after normalization")
)

// Options tunes the worker. Zero values select the defaults.
type Options struct {
	Subject string
	// MessageTimeout bounds the handling of one event.
	MessageTimeout time.Duration
	// OnActivity is called for every received message.
	OnActivity func()
}

// NatsWorker listens for TextProcessedEvents and replies with AudioChunkCreatedEvents.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	synth          core.Synthesizer
	voices         *voice.Map
	normalizer     *text.Normalizer
	opts           Options
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	store core.ObjectStore,
	synth core.Synthesizer,
	voices *voice.Map,
	normalizer *text.Normalizer,
	opts Options,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = defaultMessageTimeout
	}

	if opts.OnActivity == nil {
		opts.OnActivity = func() {}
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		synth:          synth,
		voices:         voices,
		normalizer:     normalizer,
		opts:           opts,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.opts.Subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info("NATS worker listening on '%s'", w.opts.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	w.opts.OnActivity()

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.MessageTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Dropping invalid event: %v", err)

		return
	}

	audioKey, err := w.render(ctx, event)
	if err != nil {
		w.log.Error("Failed to render page %d of workflow %s: %v",
			event.PageNumber, event.Header.WorkflowID, err)

		return
	}

	w.log.Info("Rendered page %d/%d of workflow %s to '%s'",
		event.PageNumber, event.TotalPages, event.Header.WorkflowID, audioKey)

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = publishReply(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// render downloads the page text, synthesizes it and uploads the WAV under a fresh key.
func (w *NatsWorker) render(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	input := w.normalizer.Normalize(string(textData))
	if input == "" {
		return "", fmt.Errorf("%w: key '%s'", ErrNothingToSay, event.TextKey)
	}

	audioData, err := w.synth.Synthesize(ctx, core.SynthesisRequest{
		Text:  input,
		Voice: w.voices.Resolve(event.Voice),
		Speed: 0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize speech: %w", err)
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

func publishReply(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	if msg.Reply == "" {
		return nil
	}

	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	return &event, nil
}
