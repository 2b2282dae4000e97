package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	ActionsStream = "MARKET_ACTIONS"
	RulingsStream = "MARKET_RULINGS"
	EventsStream  = "MARKET_EVENTS"

	RulingsSubject = "market.rulings"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw actions
// to the dispatcher via eventChan. NATS JetStream is the primary ingestion
// surface; each subject maps to one action type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the undecoded action from NATS, ready for the dispatcher to
// convert into a typed event.Event before sending it to the core.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Signature string // SignatureHeader value
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message once the action is decided
	NakFunc   func() // Call to NAK on transient failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to an action type
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

func actionSubject(snake, eventType string) SubjectConfig {
	return SubjectConfig{
		Subject:      "market.actions." + snake,
		EventType:    eventType,
		ConsumerName: "ledger-" + snake,
		StreamName:   ActionsStream,
	}
}

// DefaultSubjects returns one subject per action under market.actions and
// the arbitrator's ruling subject.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		actionSubject("create_listing", "CreateListing"),
		actionSubject("update_listing", "UpdateListing"),
		actionSubject("withdraw_listing", "WithdrawListing"),
		actionSubject("create_offer", "CreateOffer"),
		actionSubject("accept_offer", "AcceptOffer"),
		actionSubject("withdraw_offer", "WithdrawOffer"),
		actionSubject("finalize", "Finalize"),
		actionSubject("dispute", "Dispute"),
		actionSubject("fund_wallet", "FundWallet"),
		actionSubject("transfer", "Transfer"),
		actionSubject("approve", "Approve"),
		actionSubject("register_delegate", "RegisterDelegate"),
		actionSubject("claim_payout", "ClaimPayout"),
		{Subject: RulingsSubject, EventType: "Ruling", ConsumerName: "ledger-rulings", StreamName: RulingsStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Signature: msg.Headers().Get(SignatureHeader),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      ActionsStream,
			Subjects:  []string{"market.actions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      RulingsStream,
			Subjects:  []string{RulingsSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// SubmitFunc hands a typed action to the sequencer
type SubmitFunc func(ctx context.Context, evt event.Event) error

// Dispatcher authenticates and decodes raw actions and submits them in
// arrival order. Rejections are final and acknowledged; only failures to reach the ledger
// at all (shutdown, full queue) are NAKed for redelivery.
type Dispatcher struct {
	inputChan <-chan RawEvent
	submit    SubmitFunc
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(inputChan <-chan RawEvent, submit SubmitFunc, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{inputChan: inputChan, submit: submit, metrics: metrics, logger: logger}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.inputChan:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) {
	evt, err := Authenticate(raw)
	if err != nil {
		// Poison message: redelivery would fail the same way.
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unauthenticated or malformed action")
		d.record(raw.EventType, escrowerr.Class(err))
		ack(raw)
		return
	}

	err = d.submit(ctx, evt)
	switch {
	case err == nil:
		d.record(raw.EventType, "applied")
		ack(raw)
	case escrowerr.IsRejection(err):
		d.logger.Debug().Err(err).Str("event_type", raw.EventType).Str("key", evt.IdempotencyKey()).Msg("action rejected")
		d.record(raw.EventType, escrowerr.Class(err))
		ack(raw)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.record(raw.EventType, "retry")
		nak(raw)
	default:
		d.logger.Error().Err(err).Str("event_type", raw.EventType).Str("key", evt.IdempotencyKey()).Msg("submit failed")
		d.record(raw.EventType, "retry")
		nak(raw)
	}
}

func (d *Dispatcher) record(eventType, outcome string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(eventType, outcome).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("escrowd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
