package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"EscrowLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the slice of jetstream.JetStream the outbound publisher uses
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed actions to NATS for downstream consumers.
// Subjects follow the pattern: market.events.{event_type}[.{listing_id}]
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a committed action ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64          `json:"sequence"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	ListingID      *uint64        `json:"listing_id,omitempty"`
	Sender         string         `json:"sender"`
	Records        []event.Record `json:"records"`
	StateHash      []byte         `json:"state_hash"`
	Timestamp      time.Time      `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Error().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Subject returns the outbound subject for an event
func Subject(evt PublishableEvent) string {
	subject := "market.events." + evt.EventType
	if evt.ListingID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *evt.ListingID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Sequence as message ID lets JetStream drop republished duplicates.
	_, err = op.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventsStream,
		Subjects:   []string{"market.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", EventsStream).Msg("ensured outbound stream")
	return nil
}
