package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"anchored-view/internal/alerting"
	"anchored-view/internal/anchor"
	"anchored-view/internal/message"
	"anchored-view/internal/oracle"
	"anchored-view/internal/registry"
	"anchored-view/internal/service"
	"anchored-view/internal/storage"
)

var (
	simMarket = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	simToken  = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

// SimulateGuard 以给定的报价与锚定价在内存中走一次价格守卫流程，偏离时触发告警。
func (a *App) SimulateGuard(ctx context.Context, reported, anchorUSD decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	return a.simulateGuard(ctx, reported, anchorUSD, notifier)
}

func (a *App) simulateGuard(ctx context.Context, reported, anchorUSD decimal.Decimal, notifier alerting.Notifier) error {
	if !reported.IsPositive() || !anchorUSD.IsPositive() {
		return errors.New("reported and anchor prices must be positive")
	}
	params, err := a.Config.OracleParams()
	if err != nil {
		return err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	params.Reporter = crypto.PubkeyToAddress(key.PublicKey)

	reg, err := registry.New([]registry.TokenConfig{{
		Symbol:             registry.EthSymbol,
		Token:              simToken,
		Underlying:         simToken,
		BaseUnit:           big.NewInt(1e18),
		PriceSource:        registry.Reporter,
		AnchorMarket:       simMarket,
		ReporterMultiplier: big.NewInt(1e16),
	}})
	if err != nil {
		return err
	}

	// 1000 ETH against anchor*1000 USDC (6 decimals)
	now := uint64(time.Now().Unix())
	start := now - 60
	reserve0 := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	reserve1 := anchorUSD.Shift(9).BigInt()
	if reserve1.Sign() == 0 {
		return errors.New("anchor price too small to simulate")
	}
	pair := anchor.NewSimulatedPair(reserve0, reserve1, start)

	clockAt := start
	core, err := oracle.New(params, reg, anchor.StaticPairs{simMarket: pair},
		oracle.WithLogger(a.Logger),
		oracle.WithClock(oracle.ClockFunc(func() time.Time { return time.Unix(int64(clockAt), 0) })),
	)
	if err != nil {
		return err
	}
	clockAt = now

	raw := reported.Shift(8).BigInt()
	if !raw.IsUint64() {
		return fmt.Errorf("reported price %s out of range", reported)
	}
	msg, err := message.Encode(now, []message.Pair{{Key: registry.EthSymbol, Value: raw.Uint64()}})
	if err != nil {
		return err
	}
	sig, err := message.Sign(msg, key)
	if err != nil {
		return err
	}

	svc := service.New(a.Config, service.Deps{Core: core, Notifier: notifier}, a.Logger)
	err = svc.Submit(ctx, storage.Bundle{
		Kind:       storage.BundleKindPrices,
		Messages:   [][]byte{msg},
		Signatures: [][]byte{sig},
		Symbols:    []string{registry.EthSymbol},
	})
	if err != nil {
		return err
	}

	lower, upper := core.Bounds(anchorUSD.Shift(6).BigInt())
	published, err := core.Price(registry.EthSymbol)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Str("reported", reported.String()).
		Str("anchor", anchorUSD.String()).
		Str("lower", decimal.NewFromBigInt(lower, -6).String()).
		Str("upper", decimal.NewFromBigInt(upper, -6).String()).
		Bool("guarded", published.Sign() == 0).
		Msg("guard simulated")
	return nil
}
