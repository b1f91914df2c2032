package raffle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequester_Defaults(t *testing.T) {
	r := NewRequester(&fakeCoordinator{}, RequestConfig{KeyHash: "0x01"})
	cfg := r.Config()

	assert.Equal(t, "0x01", cfg.KeyHash)
	assert.Equal(t, uint16(DefaultRequestConfirmations), cfg.RequestConfirmations)
	assert.Equal(t, uint32(DefaultNumWords), cfg.NumWords)
	assert.Equal(t, uint32(DefaultCallbackGasLimit), cfg.CallbackGasLimit)
}

func TestRequester_Lifecycle(t *testing.T) {
	coord := &fakeCoordinator{}
	r := NewRequester(coord, RequestConfig{SubscriptionID: 9})

	p, err := r.Request(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, RequestID("req-1"), p.ID)
	assert.Equal(t, t0, p.IssuedAt)
	assert.Equal(t, uint64(9), coord.calls[0].SubscriptionID)

	_, err = r.Request(context.Background(), t0)
	require.ErrorIs(t, err, ErrRequestAlreadyPending)
	assert.Equal(t, 1, coord.Calls())

	require.ErrorIs(t, r.Match("req-2"), ErrUnknownOrStaleRequest)
	require.ErrorIs(t, r.Match(""), ErrUnknownOrStaleRequest)
	require.NoError(t, r.Match("req-1"))

	in := big.NewInt(42)
	v, err := r.Fulfill("req-1", in)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())
	in.SetInt64(0)
	assert.Equal(t, int64(42), v.Int64())

	_, ok := r.Pending()
	assert.False(t, ok)

	_, err = r.Fulfill("req-1", big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnknownOrStaleRequest)
}

func TestRequester_InvalidValueKeepsPending(t *testing.T) {
	r := NewRequester(&fakeCoordinator{}, RequestConfig{})
	p, err := r.Request(context.Background(), t0)
	require.NoError(t, err)

	_, err = r.Fulfill(p.ID, big.NewInt(-5))
	require.ErrorIs(t, err, ErrInvalidRandomness)

	got, ok := r.Pending()
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)
}

func TestRequester_CoordinatorFailure(t *testing.T) {
	boom := errors.New("coordinator down")
	r := NewRequester(&fakeCoordinator{err: boom}, RequestConfig{})

	_, err := r.Request(context.Background(), t0)
	require.ErrorIs(t, err, boom)
	_, ok := r.Pending()
	assert.False(t, ok)
}

func TestRequester_EmptyID(t *testing.T) {
	coord := CoordinatorFunc(func(context.Context, RequestConfig) (RequestID, error) { return "", nil })
	r := NewRequester(coord, RequestConfig{})

	_, err := r.Request(context.Background(), t0)
	require.ErrorIs(t, err, errEmptyRequestID)
	_, ok := r.Pending()
	assert.False(t, ok)
}
