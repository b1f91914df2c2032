package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/pkg/logger"
)

type fulfillment struct {
	id    raffle.RequestID
	value *big.Int
}

type recordingFulfiller struct {
	mu    sync.Mutex
	calls []fulfillment
	err   error
}

func (f *recordingFulfiller) FulfillRandomness(_ context.Context, id raffle.RequestID, value *big.Int) (raffle.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fulfillment{id: id, value: value})
	if f.err != nil {
		return "", f.err
	}
	return "winner", nil
}

func newTestLocal(t *testing.T, cfg LocalConfig) *Local {
	t.Helper()
	cfg.Logger = logger.Discard()
	l, err := NewLocal(cfg)
	require.NoError(t, err)
	return l
}

func TestLocal_RequestIDs(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	cfg := raffle.RequestConfig{KeyHash: "0xkey", SubscriptionID: 1, NumWords: 1}

	a, err := l.RequestRandomness(context.Background(), cfg)
	require.NoError(t, err)
	b, err := l.RequestRandomness(context.Background(), cfg)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, string(a), 2+64)
	assert.Equal(t, "0x", string(a)[:2])

	p, ok := l.Proof(a)
	require.True(t, ok)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, cfg, p.Config)
}

func TestLocal_DeterministicKey(t *testing.T) {
	a := newTestLocal(t, LocalConfig{PrivateKey: "0x0102030405"})
	b := newTestLocal(t, LocalConfig{PrivateKey: "0102030405"})
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err := NewLocal(LocalConfig{PrivateKey: "zz", Logger: logger.Discard()})
	assert.ErrorIs(t, err, ErrInvalidKeyBytes)
}

func TestLocal_FulfillAndVerify(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	f := &recordingFulfiller{}
	l.SetFulfiller(f)

	id, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{KeyHash: "k", NumWords: 3})
	require.NoError(t, err)
	assert.Empty(t, f.calls, "request must not fulfill synchronously")

	assert.Equal(t, 1, l.Drain(context.Background()))

	require.Len(t, f.calls, 1)
	assert.Equal(t, id, f.calls[0].id)

	p, ok := l.Proof(id)
	require.True(t, ok)
	assert.Equal(t, StatusFulfilled, p.Status)
	assert.Equal(t, raffle.Participant("winner"), p.Winner)
	require.Len(t, p.RandomWords, 3)
	assert.Equal(t, p.RandomWords[0], f.calls[0].value.String())
	require.NoError(t, Verify(p))

	tampered := p
	tampered.RandomWords = append([]string(nil), p.RandomWords...)
	tampered.RandomWords[1] = "12345"
	assert.ErrorIs(t, Verify(tampered), ErrInvalidProof)

	other := newTestLocal(t, LocalConfig{})
	forged := p
	forged.PublicKey = other.PublicKey()
	assert.ErrorIs(t, Verify(forged), ErrInvalidProof)
}

func TestLocal_SameKeyNeverRepeats(t *testing.T) {
	const key = "0x0a0b0c0d0e0f"
	cfg := raffle.RequestConfig{KeyHash: "0xkey", SubscriptionID: 1, NumWords: 1}
	first := newTestLocal(t, LocalConfig{PrivateKey: key})
	second := newTestLocal(t, LocalConfig{PrivateKey: key})

	a, err := first.RequestRandomness(context.Background(), cfg)
	require.NoError(t, err)
	b, err := second.RequestRandomness(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	first.Drain(context.Background())
	second.Drain(context.Background())
	pa, _ := first.Proof(a)
	pb, _ := second.Proof(b)
	require.NoError(t, Verify(pa))
	require.NoError(t, Verify(pb))
	assert.Equal(t, uint64(1), pa.Nonce)
	assert.Equal(t, uint64(1), pb.Nonce)
	assert.NotEqual(t, pa.Salt, pb.Salt)
	assert.NotEqual(t, pa.RandomWords[0], pb.RandomWords[0])
}

func TestVerify_RebuildsSeed(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	id, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{KeyHash: "k", NumWords: 1})
	require.NoError(t, err)
	l.Drain(context.Background())
	p, _ := l.Proof(id)
	require.NoError(t, Verify(p))

	noSalt := p
	noSalt.Salt = ""
	assert.ErrorIs(t, Verify(noSalt), ErrInvalidProof)

	otherNonce := p
	otherNonce.Nonce = 2
	assert.ErrorIs(t, Verify(otherNonce), ErrInvalidProof)

	otherConfig := p
	otherConfig.Config.SubscriptionID = 9
	assert.ErrorIs(t, Verify(otherConfig), ErrInvalidProof)
}

func TestLocal_Resume(t *testing.T) {
	const key = "0x0a0b0c0d0e0f"
	cfg := raffle.RequestConfig{KeyHash: "0xkey", NumWords: 1}
	before := newTestLocal(t, LocalConfig{PrivateKey: key})
	id, err := before.RequestRandomness(context.Background(), cfg)
	require.NoError(t, err)

	after := newTestLocal(t, LocalConfig{PrivateKey: key})
	f := &recordingFulfiller{}
	after.SetFulfiller(f)
	issued := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	pending := raffle.PendingRequest{ID: id, IssuedAt: issued}
	require.NoError(t, after.Resume(context.Background(), pending, cfg))
	require.NoError(t, after.Resume(context.Background(), pending, cfg))

	assert.Equal(t, 1, after.Drain(context.Background()))
	require.Len(t, f.calls, 1)
	assert.Equal(t, id, f.calls[0].id)

	p, ok := after.Proof(id)
	require.True(t, ok)
	assert.True(t, p.Resumed)
	assert.Equal(t, StatusFulfilled, p.Status)
	assert.Equal(t, issued, p.RequestedAt)
	require.NoError(t, Verify(p))

	err = after.Resume(context.Background(), raffle.PendingRequest{ID: "req-1"}, cfg)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestLocal_FulfillerError(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	l.SetFulfiller(&recordingFulfiller{err: raffle.ErrUnknownOrStaleRequest})

	id, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{NumWords: 1})
	require.NoError(t, err)
	l.Drain(context.Background())

	p, _ := l.Proof(id)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Contains(t, p.Error, "stale")
}

func TestLocal_PayoutFailureStillFulfilled(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	l.SetFulfiller(&recordingFulfiller{err: &raffle.PayoutError{Winner: "a", Err: errors.New("rejected")}})

	id, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{NumWords: 1})
	require.NoError(t, err)
	l.Drain(context.Background())

	p, _ := l.Proof(id)
	assert.Equal(t, StatusFulfilled, p.Status)
	assert.NotEmpty(t, p.Error)
}

func TestLocal_NoFulfiller(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	id, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{NumWords: 1})
	require.NoError(t, err)
	l.Drain(context.Background())

	p, _ := l.Proof(id)
	assert.Equal(t, StatusFailed, p.Status)
}

func TestLocal_QueueFull(t *testing.T) {
	l := newTestLocal(t, LocalConfig{QueueSize: 1})
	_, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{})
	require.NoError(t, err)

	_, err = l.RequestRandomness(context.Background(), raffle.RequestConfig{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestLocal_Run(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	f := &recordingFulfiller{}
	l.SetFulfiller(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	_, err := l.RequestRandomness(context.Background(), raffle.RequestConfig{NumWords: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLocal_WithMachine(t *testing.T) {
	l := newTestLocal(t, LocalConfig{})
	var paid []raffle.Participant
	payout := raffle.PayoutFunc(func(_ context.Context, to raffle.Participant, _ int64) error {
		paid = append(paid, to)
		return nil
	})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := raffle.New(raffle.Config{EntranceFee: 1, Interval: time.Minute}, l, payout,
		raffle.WithClock(func() time.Time { return start }))
	require.NoError(t, err)
	l.SetFulfiller(m)

	require.NoError(t, m.Enter("a", 1))
	require.NoError(t, m.Enter("b", 1))
	pending, err := m.PerformUpkeep(context.Background(), start.Add(time.Hour))
	require.NoError(t, err)

	l.Drain(context.Background())

	require.Len(t, paid, 1)
	assert.Equal(t, raffle.StateOpen, m.State())
	p, ok := l.Proof(pending.ID)
	require.True(t, ok)
	require.NoError(t, Verify(p))

	word, ok := new(big.Int).SetString(p.RandomWords[0], 10)
	require.True(t, ok)
	idx, err := raffle.SelectWinner(word, 2)
	require.NoError(t, err)
	assert.Equal(t, []raffle.Participant{"a", "b"}[idx], paid[0])
}

func TestManual(t *testing.T) {
	m := NewManual("")
	_, err := m.Fulfill(context.Background(), "req-1", big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoFulfiller)

	f := &recordingFulfiller{}
	m.SetFulfiller(f)
	id, err := m.RequestRandomness(context.Background(), raffle.RequestConfig{KeyHash: "k"})
	require.NoError(t, err)
	assert.Equal(t, raffle.RequestID("req-1"), id)
	assert.Len(t, m.Requests(), 1)

	winner, err := m.Fulfill(context.Background(), id, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, raffle.Participant("winner"), winner)

	boom := errors.New("down")
	m.FailWith(boom)
	_, err = m.RequestRandomness(context.Background(), raffle.RequestConfig{})
	assert.ErrorIs(t, err, boom)
}
