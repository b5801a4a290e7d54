package anchor

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StaticPairs is a PairSource over a fixed set of pairs.
type StaticPairs map[common.Address]Pair

// Pair implements PairSource.
func (p StaticPairs) Pair(market common.Address) (Pair, error) {
	pair, ok := p[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	return pair, nil
}

// SimulatedPair is an in-memory pair that accrues its cumulative prices the
// way a UniswapV2 pair does on every reserve update.
type SimulatedPair struct {
	mu       sync.RWMutex
	reserve0 *big.Int
	reserve1 *big.Int
	price0   *uint256.Int
	price1   *uint256.Int
	last     uint32
}

// NewSimulatedPair returns a pair holding the given reserves since now with
// zero accumulators.
func NewSimulatedPair(reserve0, reserve1 *big.Int, now uint64) *SimulatedPair {
	return &SimulatedPair{
		reserve0: new(big.Int).Set(reserve0),
		reserve1: new(big.Int).Set(reserve1),
		price0:   new(uint256.Int),
		price1:   new(uint256.Int),
		last:     uint32(now),
	}
}

// Sync accrues the current reserves' price up to now and then installs the
// new reserves.
func (p *SimulatedPair) Sync(reserve0, reserve1 *big.Int, now uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := uint32(now)
	if elapsed := ts - p.last; elapsed > 0 && p.reserve0.Sign() > 0 && p.reserve1.Sign() > 0 {
		e := uint256.NewInt(uint64(elapsed))
		p.price0.Add(p.price0, new(uint256.Int).Mul(Fraction(p.reserve1, p.reserve0), e))
		p.price1.Add(p.price1, new(uint256.Int).Mul(Fraction(p.reserve0, p.reserve1), e))
	}
	p.reserve0 = new(big.Int).Set(reserve0)
	p.reserve1 = new(big.Int).Set(reserve1)
	p.last = ts
}

// SetCumulative overwrites the accumulators and the last update time.
func (p *SimulatedPair) SetCumulative(price0, price1 *uint256.Int, last uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price0 = new(uint256.Int).Set(price0)
	p.price1 = new(uint256.Int).Set(price1)
	p.last = last
}

// Price0CumulativeLast implements Pair.
func (p *SimulatedPair) Price0CumulativeLast() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(p.price0)
}

// Price1CumulativeLast implements Pair.
func (p *SimulatedPair) Price1CumulativeLast() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(p.price1)
}

// Reserves implements Pair.
func (p *SimulatedPair) Reserves() (*big.Int, *big.Int, uint32) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1), p.last
}
