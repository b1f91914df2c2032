// Package oracle provides randomness coordinators for the raffle.
//
// Local signs each request seed with a BLS key on the bn256 pairing curve and
// derives the random words from the signature, so any holder of the public
// key can check a fulfillment with Verify. Every seed mixes in a fresh random
// salt, so a restarted coordinator with the same key never repeats a request
// id or its words. Requests are answered by a background worker, never from
// inside RequestRandomness.
package oracle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/pkg/logger"
)

const (
	defaultQueueSize = 100
	saltSize         = 32
)

var (
	ErrQueueFull       = errors.New("oracle request queue full")
	ErrUnknownRequest  = errors.New("unknown oracle request")
	ErrInvalidProof    = errors.New("invalid randomness proof")
	ErrNoFulfiller     = errors.New("no fulfiller registered")
	ErrInvalidKeyBytes = errors.New("invalid oracle key")
	ErrNotResumable    = errors.New("request cannot be resumed")
)

var suite = bn256.NewSuite()

// Fulfiller receives fulfilled randomness. *raffle.Machine satisfies it.
type Fulfiller interface {
	FulfillRandomness(ctx context.Context, id raffle.RequestID, value *big.Int) (raffle.Participant, error)
}

// Status of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusFailed    Status = "failed"
)

// Proof is the public record of one request and its fulfillment.
type Proof struct {
	RequestID raffle.RequestID `json:"request_id"`
	Seed      string           `json:"seed"`
	// Nonce and Salt rebuild Seed from Config. A resumed request was issued
	// by an earlier process and carries neither; its seed is its id.
	Nonce       uint64               `json:"nonce,omitempty"`
	Salt        string               `json:"salt,omitempty"`
	Resumed     bool                 `json:"resumed,omitempty"`
	Signature   string               `json:"signature,omitempty"`
	PublicKey   string               `json:"public_key"`
	RandomWords []string             `json:"random_words,omitempty"`
	Config      raffle.RequestConfig `json:"config"`
	Status      Status               `json:"status"`
	Winner      raffle.Participant   `json:"winner,omitempty"`
	Error       string               `json:"error,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
	FulfilledAt time.Time            `json:"fulfilled_at,omitempty"`
}

// LocalConfig configures a Local coordinator.
type LocalConfig struct {
	// PrivateKey is the hex-encoded BLS scalar. A fresh key is generated
	// when empty.
	PrivateKey string
	QueueSize  int
	// Delay postpones each fulfillment, imitating block confirmations.
	Delay  time.Duration
	Logger *logger.Logger
}

// Local is an in-process verifiable randomness coordinator.
type Local struct {
	mu sync.RWMutex

	priv kyber.Scalar
	pub  kyber.Point

	nonce     uint64
	requests  map[raffle.RequestID]*Proof
	pending   chan raffle.RequestID
	fulfiller Fulfiller
	delay     time.Duration
	log       *logger.Logger
}

// NewLocal creates a Local coordinator. Call Run to start fulfilling.
func NewLocal(cfg LocalConfig) (*Local, error) {
	l := &Local{
		requests: make(map[raffle.RequestID]*Proof),
		delay:    cfg.Delay,
		log:      cfg.Logger,
	}
	if l.log == nil {
		l.log = logger.NewDefault("oracle")
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	l.pending = make(chan raffle.RequestID, size)

	if cfg.PrivateKey == "" {
		l.priv, l.pub = bls.NewKeyPair(suite, suite.RandomStream())
		return l, nil
	}
	raw, err := hex.DecodeString(trimHex(cfg.PrivateKey))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: private key must be non-empty hex", ErrInvalidKeyBytes)
	}
	l.priv = suite.G2().Scalar().SetBytes(raw)
	l.pub = suite.G2().Point().Mul(l.priv, nil)
	return l, nil
}

// SetFulfiller registers the receiver of fulfilled randomness.
func (l *Local) SetFulfiller(f Fulfiller) {
	l.mu.Lock()
	l.fulfiller = f
	l.mu.Unlock()
}

// PublicKey returns the hex-encoded BLS public key.
func (l *Local) PublicKey() string {
	buf, err := l.pub.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// RequestRandomness records a request and queues it for the worker. The
// request id is the hex seed.
func (l *Local) RequestRandomness(ctx context.Context, cfg raffle.RequestConfig) (raffle.RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	salt := newSalt()
	seed := requestSeed(cfg, l.nonce+1, salt)
	id := raffle.RequestID("0x" + hex.EncodeToString(seed))
	select {
	case l.pending <- id:
	default:
		return "", ErrQueueFull
	}
	l.nonce++
	l.requests[id] = &Proof{
		RequestID:   id,
		Seed:        hex.EncodeToString(seed),
		Nonce:       l.nonce,
		Salt:        hex.EncodeToString(salt),
		PublicKey:   l.PublicKey(),
		Config:      cfg,
		Status:      StatusPending,
		RequestedAt: time.Now().UTC(),
	}
	l.log.WithContext(ctx).WithField("request_id", id).Debug("randomness requested")
	return id, nil
}

// Resume queues a request issued before a restart so the worker answers it.
// The seed is the id itself, which the earlier process derived with its own
// salt. Known ids are left alone.
func (l *Local) Resume(ctx context.Context, pending raffle.PendingRequest, cfg raffle.RequestConfig) error {
	seed, err := hex.DecodeString(trimHex(string(pending.ID)))
	if err != nil || len(seed) != sha3.NewLegacyKeccak256().Size() {
		return fmt.Errorf("%w: %q is not a local request id", ErrNotResumable, pending.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.requests[pending.ID]; ok {
		return nil
	}
	select {
	case l.pending <- pending.ID:
	default:
		return ErrQueueFull
	}
	l.requests[pending.ID] = &Proof{
		RequestID:   pending.ID,
		Seed:        hex.EncodeToString(seed),
		Resumed:     true,
		PublicKey:   l.PublicKey(),
		Config:      cfg,
		Status:      StatusPending,
		RequestedAt: pending.IssuedAt,
	}
	l.log.WithContext(ctx).WithField("request_id", pending.ID).Info("randomness request resumed")
	return nil
}

// Run fulfills queued requests until ctx is done.
func (l *Local) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-l.pending:
			if l.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(l.delay):
				}
			}
			if err := l.fulfill(ctx, id); err != nil {
				l.log.WithContext(ctx).WithError(err).WithField("request_id", id).Warn("fulfillment failed")
			}
		}
	}
}

// Drain fulfills every queued request synchronously and returns how many
// were processed.
func (l *Local) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case id := <-l.pending:
			n++
			if err := l.fulfill(ctx, id); err != nil {
				l.log.WithContext(ctx).WithError(err).WithField("request_id", id).Warn("fulfillment failed")
			}
		default:
			return n
		}
	}
}

func (l *Local) fulfill(ctx context.Context, id raffle.RequestID) error {
	l.mu.Lock()
	proof, ok := l.requests[id]
	fulfiller := l.fulfiller
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	seed, _ := hex.DecodeString(proof.Seed)
	numWords := proof.Config.NumWords
	l.mu.Unlock()

	sig, err := bls.Sign(suite, l.priv, seed)
	if err != nil {
		l.markFailed(id, fmt.Sprintf("sign seed: %v", err))
		return fmt.Errorf("sign seed: %w", err)
	}
	words := deriveWords(sig, numWords)

	l.mu.Lock()
	proof.Signature = hex.EncodeToString(sig)
	proof.RandomWords = make([]string, len(words))
	for i, w := range words {
		proof.RandomWords[i] = w.String()
	}
	l.mu.Unlock()

	if fulfiller == nil {
		l.markFailed(id, ErrNoFulfiller.Error())
		return ErrNoFulfiller
	}
	winner, err := fulfiller.FulfillRandomness(ctx, id, words[0])

	l.mu.Lock()
	defer l.mu.Unlock()
	proof.FulfilledAt = time.Now().UTC()
	if err != nil {
		// A payout failure still consumed the randomness.
		proof.Status = StatusFailed
		proof.Error = err.Error()
		if errors.Is(err, raffle.ErrPayoutFailed) {
			proof.Status = StatusFulfilled
		}
		return err
	}
	proof.Status = StatusFulfilled
	proof.Winner = winner
	l.log.WithContext(ctx).WithFields(map[string]any{
		"request_id": id,
		"winner":     winner,
	}).Info("randomness fulfilled")
	return nil
}

func (l *Local) markFailed(id raffle.RequestID, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.requests[id]; ok {
		p.Status = StatusFailed
		p.Error = msg
	}
}

// Proof returns the record for id.
func (l *Local) Proof(id raffle.RequestID) (Proof, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.requests[id]
	if !ok {
		return Proof{}, false
	}
	cp := *p
	cp.RandomWords = append([]string(nil), p.RandomWords...)
	return cp, true
}

// Verify checks that the proof's signature is valid for its seed under its
// public key and that the random words derive from that signature.
func Verify(p Proof) error {
	pubBytes, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalidProof, err)
	}
	pub := suite.G2().Point()
	if err := pub.UnmarshalBinary(pubBytes); err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalidProof, err)
	}
	seed, err := hex.DecodeString(p.Seed)
	if err != nil {
		return fmt.Errorf("%w: seed: %v", ErrInvalidProof, err)
	}
	if "0x"+p.Seed != string(p.RequestID) {
		return fmt.Errorf("%w: seed does not match request id", ErrInvalidProof)
	}
	if !p.Resumed {
		salt, err := hex.DecodeString(p.Salt)
		if err != nil || len(salt) != saltSize {
			return fmt.Errorf("%w: missing or malformed salt", ErrInvalidProof)
		}
		if !bytes.Equal(requestSeed(p.Config, p.Nonce, salt), seed) {
			return fmt.Errorf("%w: seed does not match config, nonce and salt", ErrInvalidProof)
		}
	}
	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrInvalidProof, err)
	}
	if err := bls.Verify(suite, pub, seed, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if len(p.RandomWords) == 0 {
		return fmt.Errorf("%w: no random words", ErrInvalidProof)
	}
	words := deriveWords(sig, uint32(len(p.RandomWords)))
	for i, w := range words {
		if w.String() != p.RandomWords[i] {
			return fmt.Errorf("%w: word %d does not match signature", ErrInvalidProof, i)
		}
	}
	return nil
}

// requestSeed is keccak256(keyHash || subscriptionID || nonce || salt).
func requestSeed(cfg raffle.RequestConfig, nonce uint64, salt []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(cfg.KeyHash))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cfg.SubscriptionID)
	h.Write(buf)
	binary.BigEndian.PutUint64(buf, nonce)
	h.Write(buf)
	h.Write(salt)
	return h.Sum(nil)
}

func newSalt() []byte {
	salt := make([]byte, saltSize)
	suite.RandomStream().XORKeyStream(salt, salt)
	return salt
}

// deriveWords expands a signature into n words: word i is
// sha256(sig || uint32(i)) read as a big-endian integer.
func deriveWords(sig []byte, n uint32) []*big.Int {
	if n == 0 {
		n = 1
	}
	words := make([]*big.Int, n)
	idx := make([]byte, 4)
	for i := uint32(0); i < n; i++ {
		h := sha256.New()
		h.Write(sig)
		binary.BigEndian.PutUint32(idx, i)
		h.Write(idx)
		words[i] = new(big.Int).SetBytes(h.Sum(nil))
	}
	return words
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
