// Package service runs the raffle state machine with persistence, metrics
// and logging around every transition.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/raffle/internal/events"
	"github.com/R3E-Network/raffle/internal/metrics"
	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/internal/storage"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// Options wires a Service.
type Options struct {
	Config      raffle.Config
	Coordinator raffle.Coordinator
	Payout      raffle.Payout
	Store       storage.Store
	Events      *events.Journal
	Logger      *logger.Logger
	Clock       func() time.Time
}

// Resumer is a coordinator that can answer a request issued before a
// restart.
type Resumer interface {
	Resume(ctx context.Context, pending raffle.PendingRequest, cfg raffle.RequestConfig) error
}

// Service provides the raffle's operations to the HTTP API, the keeper and
// the oracle.
type Service struct {
	machine *raffle.Machine
	store   storage.Store
	events  *events.Journal
	log     *logger.Logger
	clock   func() time.Time

	persistMu sync.Mutex
	cancel    func()
}

// Status is a read-only view of the raffle.
type Status struct {
	State         raffle.State           `json:"state"`
	StateCode     int                    `json:"state_code"`
	Round         uint64                 `json:"round"`
	EntranceFee   int64                  `json:"entrance_fee"`
	Interval      string                 `json:"interval"`
	PlayerCount   int                    `json:"player_count"`
	Balance       int64                  `json:"balance"`
	LastTimestamp time.Time              `json:"last_timestamp"`
	RecentWinner  raffle.Participant     `json:"recent_winner,omitempty"`
	Pending       *raffle.PendingRequest `json:"pending,omitempty"`
	Unpaid        *raffle.UnpaidPrize    `json:"unpaid,omitempty"`
	Request       raffle.RequestConfig   `json:"request"`
}

// New restores the machine from the store when a snapshot exists, or starts
// a fresh raffle otherwise.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	if opts.Events == nil {
		opts.Events = events.NewJournal(1000)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("raffle")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		store:  opts.Store,
		events: opts.Events,
		log:    opts.Logger,
		clock:  opts.Clock,
	}
	machineOpts := []raffle.Option{raffle.WithClock(opts.Clock), raffle.WithNotifier(opts.Events)}

	snap, err := opts.Store.LoadSnapshot(ctx)
	switch {
	case err == nil:
		s.machine, err = raffle.Restore(opts.Config, snap, opts.Coordinator, opts.Payout, machineOpts...)
		if err != nil {
			return nil, fmt.Errorf("restore raffle: %w", err)
		}
		s.log.WithFields(map[string]interface{}{
			"round":   snap.Round,
			"state":   snap.State,
			"players": len(snap.Players),
		}).Info("raffle restored from snapshot")
		s.resumePending(ctx, opts.Coordinator)
	case errors.Is(err, storage.ErrNotFound):
		s.machine, err = raffle.New(opts.Config, opts.Coordinator, opts.Payout, machineOpts...)
		if err != nil {
			return nil, err
		}
		s.log.WithField("entrance_fee", opts.Config.EntranceFee).
			WithField("interval", opts.Config.Interval.String()).
			Info("raffle started")
	default:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	s.cancel = s.events.Subscribe(events.OfType(events.EventWinnerPicked), s.recordRound)

	if err := s.persist(ctx); err != nil {
		return nil, err
	}
	s.observe()
	return s, nil
}

func (s *Service) resumePending(ctx context.Context, coord raffle.Coordinator) {
	pending, ok := s.machine.Pending()
	if !ok {
		return
	}
	r, ok := coord.(Resumer)
	if !ok {
		s.log.WithField("request_id", pending.ID).Info("pending request awaits external fulfillment")
		return
	}
	if err := r.Resume(ctx, pending, s.machine.RequestConfig()); err != nil {
		s.log.WithError(err).WithField("request_id", pending.ID).Warn("pending request not resumed")
		return
	}
	s.log.WithField("request_id", pending.ID).Info("pending request handed back to coordinator")
}

// Close detaches the service from the event stream.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Events returns the event buffer fed by the machine.
func (s *Service) Events() *events.Journal { return s.events }

// Enter adds participant with the given stake.
func (s *Service) Enter(ctx context.Context, participant raffle.Participant, amount int64) error {
	err := s.machine.Enter(participant, amount)
	s.finish(ctx, "enter", err)
	if err != nil {
		return err
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"participant": participant,
		"amount":      amount,
		"round":       s.machine.Round(),
	}).Info("entry accepted")
	return nil
}

// CheckUpkeep reports whether the current round may close now.
func (s *Service) CheckUpkeep() raffle.Diagnostics {
	return s.machine.CheckUpkeep(s.clock())
}

// PerformUpkeep closes the round and requests randomness.
func (s *Service) PerformUpkeep(ctx context.Context) (raffle.PendingRequest, error) {
	pending, err := s.machine.PerformUpkeep(ctx, s.clock())
	s.finish(ctx, "upkeep", err)
	if err != nil {
		return raffle.PendingRequest{}, err
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"request_id": pending.ID,
		"round":      s.machine.Round(),
		"players":    s.machine.PlayerCount(),
	}).Info("randomness requested")
	return pending, nil
}

// FulfillRandomness delivers the coordinator's answer. It satisfies
// oracle.Fulfiller.
func (s *Service) FulfillRandomness(ctx context.Context, id raffle.RequestID, value *big.Int) (raffle.Participant, error) {
	winner, err := s.machine.FulfillRandomness(ctx, id, value)
	s.finish(ctx, "fulfill", err)
	s.logSettlement(ctx, "fulfill", winner, err)
	return winner, err
}

// RetryPayout resends a prize whose transfer failed.
func (s *Service) RetryPayout(ctx context.Context) (raffle.Participant, error) {
	winner, err := s.machine.RetryPayout(ctx)
	s.finish(ctx, "payout_retry", err)
	s.logSettlement(ctx, "payout_retry", winner, err)
	return winner, err
}

func (s *Service) logSettlement(ctx context.Context, op string, winner raffle.Participant, err error) {
	entry := s.log.WithContext(ctx).WithField("operation", op)
	var payoutErr *raffle.PayoutError
	switch {
	case err == nil:
		entry.WithField("winner", winner).Info("winner paid")
	case errors.As(err, &payoutErr):
		entry.WithError(payoutErr.Err).WithFields(map[string]interface{}{
			"round":  payoutErr.Round,
			"winner": payoutErr.Winner,
			"amount": payoutErr.Amount,
		}).Warn("payout failed; prize retained")
	default:
		entry.WithError(err).Debug("settlement rejected")
	}
}

// Status returns a consistent view of the raffle.
func (s *Service) Status() Status {
	snap := s.machine.Snapshot()
	return Status{
		State:         snap.State,
		StateCode:     snap.State.Code(),
		Round:         snap.Round,
		EntranceFee:   s.machine.EntranceFee(),
		Interval:      s.machine.Interval().String(),
		PlayerCount:   len(snap.Players),
		Balance:       snap.Balance,
		LastTimestamp: snap.LastTimestamp,
		RecentWinner:  snap.RecentWinner,
		Pending:       snap.Pending,
		Unpaid:        snap.Unpaid,
		Request:       s.machine.RequestConfig(),
	}
}

// PlayerAt returns the entrant at index in the current round.
func (s *Service) PlayerAt(index int) (raffle.Participant, error) {
	return s.machine.PlayerAt(index)
}

// Players returns the current round's entrants.
func (s *Service) Players() []raffle.Participant {
	return s.machine.Players()
}

// Rounds returns finalized rounds, newest first.
func (s *Service) Rounds(ctx context.Context, limit int) ([]storage.RoundRecord, error) {
	return s.store.ListRounds(ctx, limit)
}

// RecentEvents returns up to limit events, newest first, optionally only
// those of the given types.
func (s *Service) RecentEvents(limit int, types ...events.EventType) []events.Event {
	return s.events.Recent(limit, events.OfType(types...))
}

// finish persists state after a successful or partially applied transition
// and records metrics.
func (s *Service) finish(ctx context.Context, op string, err error) {
	metrics.RecordOperation(op, resultOf(err))
	if err != nil && !errors.Is(err, raffle.ErrPayoutFailed) {
		return
	}
	if perr := s.persist(ctx); perr != nil {
		s.log.WithContext(ctx).WithError(perr).WithField("operation", op).Error("persist snapshot failed")
	}
	s.observe()
}

func (s *Service) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	// Taking the snapshot under persistMu keeps the stored copy monotonic.
	return s.store.SaveSnapshot(context.WithoutCancel(ctx), s.machine.Snapshot())
}

func (s *Service) observe() {
	snap := s.machine.Snapshot()
	metrics.ObservePool(snap.State.Code(), snap.Round, len(snap.Players), snap.Balance)
}

func (s *Service) recordRound(ev events.Event) {
	rec := storage.RoundRecord{
		Round:       ev.Round,
		RequestID:   raffle.RequestID(ev.RequestID),
		Winner:      raffle.Participant(ev.Participant),
		Amount:      ev.Amount,
		Players:     ev.Players,
		RandomValue: ev.RandomValue,
		FinalizedAt: ev.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordRound(ctx, rec); err != nil {
		s.log.WithError(err).WithField("round", ev.Round).Error("record round failed")
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, raffle.ErrInsufficientFee):
		return "insufficient_fee"
	case errors.Is(err, raffle.ErrNotOpen):
		return "not_open"
	case errors.Is(err, raffle.ErrUpkeepNotNeeded):
		return "upkeep_not_needed"
	case errors.Is(err, raffle.ErrRequestAlreadyPending):
		return "request_already_pending"
	case errors.Is(err, raffle.ErrUnknownOrStaleRequest):
		return "unknown_or_stale_request"
	case errors.Is(err, raffle.ErrPayoutFailed):
		return "payout_failed"
	case errors.Is(err, raffle.ErrPayoutInProgress):
		return "payout_in_progress"
	case errors.Is(err, raffle.ErrNoUnpaidPrize):
		return "no_unpaid_prize"
	case errors.Is(err, raffle.ErrInvalidRandomness):
		return "invalid_randomness"
	case errors.Is(err, raffle.ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, raffle.ErrBalanceOverflow):
		return "balance_overflow"
	default:
		return "error"
	}
}
