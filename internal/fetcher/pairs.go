package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"anchored-view/internal/anchor"
)

const (
	pairABIJSON = `[
{"inputs":[],"name":"price0CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"price1CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"}
]`
)

var (
	pairABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse UniswapV2 pair ABI: " + err.Error())
	}
	pairABI = parsed
}

// PairSnapshot is the state of one pair as of BlockNumber.
type PairSnapshot struct {
	Market             common.Address
	BlockNumber        uint64
	Price0Cumulative   *uint256.Int
	Price1Cumulative   *uint256.Int
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

// Price0CumulativeLast implements anchor.Pair.
func (s PairSnapshot) Price0CumulativeLast() *uint256.Int { return s.Price0Cumulative }

// Price1CumulativeLast implements anchor.Pair.
func (s PairSnapshot) Price1CumulativeLast() *uint256.Int { return s.Price1Cumulative }

// Reserves implements anchor.Pair.
func (s PairSnapshot) Reserves() (*big.Int, *big.Int, uint32) {
	return s.Reserve0, s.Reserve1, s.BlockTimestampLast
}

// PairOptions parameterise the on-chain pair fetcher.
type PairOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// PairFetcher reads anchor pairs over Ethereum JSON-RPC.
type PairFetcher struct {
	opts      PairOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	mu        sync.RWMutex
	snapshots map[common.Address]PairSnapshot
}

// NewPairFetcher builds a new pair fetcher.
func NewPairFetcher(opts PairOptions, logger zerolog.Logger) *PairFetcher {
	return &PairFetcher{
		opts:      opts,
		logger:    logger.With().Str("component", "pair_fetcher").Logger(),
		snapshots: make(map[common.Address]PairSnapshot),
	}
}

// Refresh reads every market at the latest block and commits the snapshots
// together. On error the previous snapshots stay in place.
func (f *PairFetcher) Refresh(ctx context.Context, markets []common.Address) error {
	if f.opts.RPCURL == "" {
		return errors.New("ethereum rpc url not configured")
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := f.getClient(ctx)
	if err != nil {
		return err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	block := new(big.Int).SetUint64(blockNumber)

	fresh := make(map[common.Address]PairSnapshot, len(markets))
	for _, market := range markets {
		snap, err := f.fetchPair(ctx, client, market, block)
		if err != nil {
			return fmt.Errorf("pair %s: %w", market.Hex(), err)
		}
		fresh[market] = snap
	}

	f.mu.Lock()
	for market, snap := range fresh {
		f.snapshots[market] = snap
	}
	f.mu.Unlock()

	f.logger.Debug().Uint64("block", blockNumber).Int("pairs", len(fresh)).Msg("pair snapshots refreshed")
	return nil
}

func (f *PairFetcher) fetchPair(ctx context.Context, client *ethclient.Client, market common.Address, block *big.Int) (PairSnapshot, error) {
	snap := PairSnapshot{Market: market, BlockNumber: block.Uint64()}

	for _, method := range []string{"price0CumulativeLast", "price1CumulativeLast"} {
		outputs, err := call(ctx, client, market, block, method)
		if err != nil {
			return PairSnapshot{}, err
		}
		v, ok := outputs[0].(*big.Int)
		if !ok {
			return PairSnapshot{}, fmt.Errorf("failed to decode %s output", method)
		}
		acc, overflow := uint256.FromBig(v)
		if overflow {
			return PairSnapshot{}, fmt.Errorf("%s overflows uint256", method)
		}
		if method == "price0CumulativeLast" {
			snap.Price0Cumulative = acc
		} else {
			snap.Price1Cumulative = acc
		}
	}

	outputs, err := call(ctx, client, market, block, "getReserves")
	if err != nil {
		return PairSnapshot{}, err
	}
	if len(outputs) != 3 {
		return PairSnapshot{}, errors.New("unexpected getReserves response")
	}
	r0, ok0 := outputs[0].(*big.Int)
	r1, ok1 := outputs[1].(*big.Int)
	ts, ok2 := outputs[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return PairSnapshot{}, errors.New("failed to decode getReserves output")
	}
	snap.Reserve0, snap.Reserve1, snap.BlockTimestampLast = r0, r1, ts

	return snap, nil
}

func call(ctx context.Context, client *ethclient.Client, to common.Address, block *big.Int, method string) ([]any, error) {
	payload, err := pairABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, block)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	outputs, err := pairABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

// Pair implements anchor.PairSource from the last committed refresh.
func (f *PairFetcher) Pair(market common.Address) (anchor.Pair, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.snapshots[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s not refreshed", anchor.ErrUnknownMarket, market.Hex())
	}
	return snap, nil
}

// Snapshot returns the last committed state of market.
func (f *PairFetcher) Snapshot(market common.Address) (PairSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.snapshots[market]
	return snap, ok
}

func (f *PairFetcher) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

// Close releases the RPC client.
func (f *PairFetcher) Close() {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()
	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
}

var _ PairRefresher = (*PairFetcher)(nil)
