package exec

import (
	"context"
	"errors"
	"fmt"

	"clmm-lp-bot/internal/config"
	"clmm-lp-bot/internal/gateway/rest"
	"clmm-lp-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidAction = errors.New("invalid action")

type Submitter interface {
	Submit(ctx context.Context, req rest.Request) (string, error)
}

// Emitter turns controller actions into gateway requests in pool orientation.
type Emitter struct {
	sub           Submitter
	orient        strategy.Orientation
	baseDecimals  int32
	quoteDecimals int32
	safetyBuffer  decimal.Decimal
	log           *zap.Logger
}

func NewEmitter(sub Submitter, cfg config.StrategyConfig, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		sub:           sub,
		orient:        strategy.Orientation{Inverted: cfg.PoolInverted},
		baseDecimals:  cfg.BaseDecimals,
		quoteDecimals: cfg.QuoteDecimals,
		safetyBuffer:  decimal.NewFromFloat(cfg.Swap.SafetyBufferRatio),
		log:           log,
	}
}

// Emit submits one action and returns the gateway action id.
func (e *Emitter) Emit(ctx context.Context, action strategy.Action) (string, error) {
	req, err := e.Request(action)
	if err != nil {
		return "", err
	}
	id, err := e.sub.Submit(ctx, req)
	if err != nil {
		e.log.Warn("action submit failed",
			zap.String("client_id", action.ID),
			zap.String("kind", string(action.Kind)),
			zap.Error(err),
		)
		return "", err
	}
	e.log.Info("action submitted",
		zap.String("client_id", action.ID),
		zap.String("action_id", id),
		zap.String("kind", string(action.Kind)),
		zap.String("position_id", action.PositionID),
	)
	return id, nil
}

func (e *Emitter) Request(action strategy.Action) (rest.Request, error) {
	if action.ID == "" {
		return rest.Request{}, fmt.Errorf("action without id: %w", ErrInvalidAction)
	}
	req := rest.Request{ClientID: action.ID, MaxSlippage: action.MaxSlippage}
	switch action.Kind {
	case strategy.ActionOpen:
		return e.openRequest(req, action)
	case strategy.ActionClose:
		if action.PositionID == "" {
			return rest.Request{}, fmt.Errorf("close %s without position: %w", action.ID, ErrInvalidAction)
		}
		req.Kind = rest.RequestClose
		req.PositionID = action.PositionID
		return req, nil
	case strategy.ActionSwap:
		return e.swapRequest(req, action)
	}
	return rest.Request{}, fmt.Errorf("kind %q: %w", action.Kind, ErrInvalidAction)
}

func (e *Emitter) openRequest(req rest.Request, action strategy.Action) (rest.Request, error) {
	lower, upper := e.orient.BoundsToPool(action.Lower, action.Upper)
	if lower <= 0 || upper <= lower {
		return rest.Request{}, fmt.Errorf("open %s bounds %v/%v: %w", action.ID, action.Lower, action.Upper, ErrInvalidAction)
	}
	amount0, amount1 := e.orient.AmountsToPool(action.Base, action.Quote)
	dec0, dec1 := e.orient.DecimalsToPool(e.baseDecimals, e.quoteDecimals)
	req.Kind = rest.RequestOpen
	req.Lower = decimal.NewFromFloat(lower)
	req.Upper = decimal.NewFromFloat(upper)
	req.Amount0 = truncate(amount0, dec0)
	req.Amount1 = truncate(amount1, dec1)
	if !req.Amount0.IsPositive() && !req.Amount1.IsPositive() {
		return rest.Request{}, fmt.Errorf("open %s without amounts: %w", action.ID, ErrInvalidAction)
	}
	return req, nil
}

func (e *Emitter) swapRequest(req rest.Request, action strategy.Action) (rest.Request, error) {
	decimals := e.baseDecimals
	if action.AmountIsQuote {
		decimals = e.quoteDecimals
	}
	amount := truncate(action.Amount, decimals)
	if action.ApplyBuffer && e.safetyBuffer.IsPositive() {
		amount = amount.Mul(decimal.NewFromInt(1).Sub(e.safetyBuffer)).Truncate(decimals)
	}
	if !amount.IsPositive() {
		return rest.Request{}, fmt.Errorf("swap %s amount %v: %w", action.ID, action.Amount, ErrInvalidAction)
	}
	req.Kind = rest.RequestSwap
	req.Side = string(e.orient.SideToPool(action.Side))
	req.Amount = amount
	req.AmountIsQuote = action.AmountIsQuote != e.orient.Inverted
	return req, nil
}

func truncate(v float64, decimals int32) decimal.Decimal {
	if v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Truncate(decimals)
}
