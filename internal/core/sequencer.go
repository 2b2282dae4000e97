package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer serializes every action and read onto the one goroutine that
// owns the core. Transport and ingestion code submit through it; no other
// goroutine touches core state.
type Sequencer struct {
	core     *DeterministicCore
	requests chan request
	done     chan struct{}
	running  atomic.Bool
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type request struct {
	ctx   context.Context
	evt   event.Event
	view  func(*DeterministicCore)
	reply chan response
}

type response struct {
	receipt *Receipt
	err     error
}

func NewSequencer(core *DeterministicCore, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Sequencer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Sequencer{
		core:     core,
		requests: make(chan request, queueSize),
		done:     make(chan struct{}),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run processes requests until ctx is cancelled
func (s *Sequencer) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	defer close(s.done)

	s.logger.Info().Int64("next_sequence", s.core.GetSequence()).Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("next_sequence", s.core.GetSequence()).Msg("sequencer stopped")
			return ctx.Err()

		case req := <-s.requests:
			if s.metrics != nil {
				s.metrics.SequencerQueue.Set(float64(len(s.requests)))
			}
			if req.view != nil {
				req.view(s.core)
				req.reply <- response{}
				continue
			}
			if err := req.ctx.Err(); err != nil {
				req.reply <- response{err: err}
				continue
			}
			receipt, err := s.core.ProcessEvent(req.ctx, req.evt)
			req.reply <- response{receipt: receipt, err: err}
		}
	}
}

// Running reports whether the loop is active (readiness check)
func (s *Sequencer) Running() bool {
	return s.running.Load()
}

// Submit queues an action and waits for its outcome. An action whose ctx is
// already cancelled when the sequencer reaches it is skipped with ctx.Err();
// once started it runs to completion whatever happens to ctx.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event) (*Receipt, error) {
	res, err := s.roundTrip(ctx, request{ctx: ctx, evt: evt})
	if err != nil {
		return nil, err
	}
	return res.receipt, res.err
}

// View runs fn on the sequencer goroutine with exclusive access to the core
func (s *Sequencer) View(ctx context.Context, fn func(*DeterministicCore)) error {
	_, err := s.roundTrip(ctx, request{ctx: ctx, view: fn})
	return err
}

func (s *Sequencer) roundTrip(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-s.done:
		return response{}, ErrSequencerStopped
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-s.done:
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return response{}, ErrSequencerStopped
		}
	}
}

// SubmitRuling delivers an arbitrator's ruling as an action sent by the
// arbitrator address. Each delivery gets a fresh idempotency key, so a
// repeated ruling reaches the core and is answered with NotFound.
func (s *Sequencer) SubmitRuling(ctx context.Context, arbitrator common.Address, handle arbitration.Handle, code uint64) error {
	_, err := s.Submit(ctx, &event.Ruling{
		Meta: event.Meta{
			Key:       uuid.NewString(),
			Sender:    arbitrator,
			Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		},
		Handle: handle,
		Code:   code,
	})
	return err
}
