package chain

import (
	"context"
	"math/big"
)

// GasPolicy computes fee parameters for a submission. It is passed
// explicitly into each submission instead of mutating a shared client's
// transport.
type GasPolicy interface {
	SuggestFees(ctx context.Context) (tipCap, feeCap *big.Int, err error)
}

// StaticGasPolicy returns fixed fee caps. Load tests use it to keep fee
// behavior reproducible.
type StaticGasPolicy struct {
	TipCap *big.Int
	FeeCap *big.Int
}

func (p StaticGasPolicy) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return new(big.Int).Set(p.TipCap), new(big.Int).Set(p.FeeCap), nil
}

// FeeSuggester is satisfied by *ethclient.Client.
type FeeSuggester interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// EstimatingGasPolicy asks the node for suggestions and scales them by a
// multiplier expressed in percent (120 = 1.2x). Integer math keeps the
// policy deterministic for a given suggestion.
type EstimatingGasPolicy struct {
	Client            FeeSuggester
	MultiplierPercent int64
}

func NewEstimatingGasPolicy(client FeeSuggester, multiplier float64) *EstimatingGasPolicy {
	pct := int64(multiplier * 100)
	if pct < 100 {
		pct = 100
	}
	return &EstimatingGasPolicy{Client: client, MultiplierPercent: pct}
}

func (p *EstimatingGasPolicy) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := p.Client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	price, err := p.Client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}
	mul := big.NewInt(p.MultiplierPercent)
	tip = new(big.Int).Div(new(big.Int).Mul(tip, mul), big.NewInt(100))
	fee := new(big.Int).Div(new(big.Int).Mul(price, mul), big.NewInt(100))
	// fee cap must cover the tip
	if fee.Cmp(tip) < 0 {
		fee = new(big.Int).Set(tip)
	}
	return tip, fee, nil
}
