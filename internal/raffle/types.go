package raffle

import (
	"fmt"
	"math/big"
	"time"
)

// Participant identifies an entrant, typically an account address.
type Participant string

// RequestID is the coordinator-assigned identifier of a randomness request.
type RequestID string

// State is the lottery state.
type State string

const (
	StateOpen        State = "open"
	StateCalculating State = "calculating"
)

// Code returns the numeric form of the state (Open=0, Calculating=1).
func (s State) Code() int {
	if s == StateCalculating {
		return 1
	}
	return 0
}

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StateOpen || s == StateCalculating
}

// Default request parameters.
const (
	DefaultRequestConfirmations = 3
	DefaultNumWords             = 1
	DefaultCallbackGasLimit     = 500_000
)

// RequestConfig is passed through to the coordinator untouched.
type RequestConfig struct {
	KeyHash              string `json:"key_hash" yaml:"key_hash"`
	SubscriptionID       uint64 `json:"subscription_id" yaml:"subscription_id"`
	RequestConfirmations uint16 `json:"request_confirmations" yaml:"request_confirmations"`
	CallbackGasLimit     uint32 `json:"callback_gas_limit" yaml:"callback_gas_limit"`
	NumWords             uint32 `json:"num_words" yaml:"num_words"`
}

func (c RequestConfig) withDefaults() RequestConfig {
	if c.RequestConfirmations == 0 {
		c.RequestConfirmations = DefaultRequestConfirmations
	}
	if c.NumWords == 0 {
		c.NumWords = DefaultNumWords
	}
	if c.CallbackGasLimit == 0 {
		c.CallbackGasLimit = DefaultCallbackGasLimit
	}
	return c
}

// Config is fixed when the machine is built.
type Config struct {
	EntranceFee int64         `json:"entrance_fee"`
	Interval    time.Duration `json:"interval"`
	Request     RequestConfig `json:"request"`
}

// Validate checks the entrance fee and interval.
func (c Config) Validate() error {
	if c.EntranceFee <= 0 {
		return fmt.Errorf("%w: entrance fee must be positive, got %d", ErrInvalidConfig, c.EntranceFee)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	}
	return nil
}

// PendingRequest is the single in-flight randomness request.
type PendingRequest struct {
	ID       RequestID `json:"id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Diagnostics explains an upkeep decision.
type Diagnostics struct {
	Needed      bool          `json:"needed"`
	State       State         `json:"state"`
	Elapsed     time.Duration `json:"elapsed"`
	PlayerCount int           `json:"player_count"`
	Balance     int64         `json:"balance"`
}

// UnpaidPrize is the round snapshot held between winner selection and a
// successful transfer.
type UnpaidPrize struct {
	Round       uint64      `json:"round"`
	RequestID   RequestID   `json:"request_id"`
	Winner      Participant `json:"winner"`
	Amount      int64       `json:"amount"`
	RandomValue *big.Int    `json:"random_value"`
	Players     int         `json:"players"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
}

func (p UnpaidPrize) clone() UnpaidPrize {
	if p.RandomValue != nil {
		p.RandomValue = new(big.Int).Set(p.RandomValue)
	}
	return p
}

// Snapshot is the complete machine state, suitable for persistence.
type Snapshot struct {
	State         State           `json:"state"`
	Players       []Participant   `json:"players"`
	Balance       int64           `json:"balance"`
	LastTimestamp time.Time       `json:"last_timestamp"`
	Round         uint64          `json:"round"`
	RecentWinner  Participant     `json:"recent_winner,omitempty"`
	Pending       *PendingRequest `json:"pending,omitempty"`
	Unpaid        *UnpaidPrize    `json:"unpaid,omitempty"`
}

// Validate checks the snapshot's internal consistency.
func (s Snapshot) Validate() error {
	if !s.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidSnapshot, s.State)
	}
	if s.Balance < 0 {
		return fmt.Errorf("%w: negative balance", ErrInvalidSnapshot)
	}
	if s.State == StateOpen && (s.Pending != nil || s.Unpaid != nil) {
		return fmt.Errorf("%w: open round with pending request or unpaid prize", ErrInvalidSnapshot)
	}
	if s.State == StateCalculating && s.Pending == nil && s.Unpaid == nil {
		return fmt.Errorf("%w: calculating round with neither pending request nor unpaid prize", ErrInvalidSnapshot)
	}
	if s.Pending != nil && s.Unpaid != nil {
		return fmt.Errorf("%w: pending request and unpaid prize at once", ErrInvalidSnapshot)
	}
	if s.Pending != nil && len(s.Players) == 0 {
		return fmt.Errorf("%w: pending request without players", ErrInvalidSnapshot)
	}
	return nil
}
