package raffle

import (
	"fmt"
	"math/big"
)

// SelectWinner maps a random value onto [0, playerCount) by reduction modulo
// playerCount.
func SelectWinner(randomValue *big.Int, playerCount int) (int, error) {
	if playerCount <= 0 {
		return 0, ErrEmptyPool
	}
	if randomValue == nil || randomValue.Sign() < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRandomness, randomValue)
	}
	idx := new(big.Int).Mod(randomValue, big.NewInt(int64(playerCount)))
	return int(idx.Int64()), nil
}
