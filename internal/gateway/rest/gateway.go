package rest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Identity pins every call to one wallet, pool and token pair.
type Identity struct {
	Chain     string
	Connector string
	Wallet    string
	Pool      string
	Base      string
	Quote     string
}

// Gateway exposes the execution gateway endpoints. Prices, bounds and token
// amounts are in pool order (token0/token1); wallet balances are keyed by
// symbol and therefore already in strategy order.
type Gateway struct {
	client *Client
	id     Identity
}

func NewGateway(client *Client, id Identity) *Gateway {
	return &Gateway{client: client, id: id}
}

type Quote struct {
	Price float64
	At    time.Time
}

type Balances struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
	At    time.Time
}

type Position struct {
	ID              string
	ActionID        string
	State           string
	Lower           float64
	Upper           float64
	Amount0         float64
	Amount1         float64
	Fee0            float64
	Fee1            float64
	Price           float64
	OutOfRangeSince time.Time
}

type ActionState string

const (
	ActionPending   ActionState = "PENDING"
	ActionCompleted ActionState = "COMPLETED"
	ActionFailed    ActionState = "FAILED"
)

type ActionStatus struct {
	ID         string
	Kind       string
	State      ActionState
	PositionID string
	Delta0     decimal.Decimal
	Delta1     decimal.Decimal
	AmountIn   decimal.Decimal
	AmountOut  decimal.Decimal
	UpdatedAt  time.Time
	Error      string
}

func (s ActionStatus) Done() bool {
	return s.State == ActionCompleted || s.State == ActionFailed
}

type RequestKind string

const (
	RequestOpen  RequestKind = "open"
	RequestClose RequestKind = "close"
	RequestSwap  RequestKind = "swap"
)

// Request is one outbound action. ClientID is the caller's idempotency key.
type Request struct {
	ClientID   string
	Kind       RequestKind
	PositionID string

	Lower   decimal.Decimal
	Upper   decimal.Decimal
	Amount0 decimal.Decimal
	Amount1 decimal.Decimal

	Side          string
	Amount        decimal.Decimal
	AmountIsQuote bool
	MaxSlippage   float64
}

type openPayload struct {
	ClientID  string          `json:"client_id"`
	Chain     string          `json:"chain"`
	Connector string          `json:"connector"`
	Wallet    string          `json:"wallet_address"`
	Pool      string          `json:"pool_address"`
	Lower     decimal.Decimal `json:"lower_price"`
	Upper     decimal.Decimal `json:"upper_price"`
	Amount0   decimal.Decimal `json:"amount0"`
	Amount1   decimal.Decimal `json:"amount1"`
}

type closePayload struct {
	ClientID  string `json:"client_id"`
	Chain     string `json:"chain"`
	Connector string `json:"connector"`
	Wallet    string `json:"wallet_address"`
}

type swapPayload struct {
	ClientID      string          `json:"client_id"`
	Chain         string          `json:"chain"`
	Connector     string          `json:"connector"`
	Wallet        string          `json:"wallet_address"`
	Pool          string          `json:"pool_address"`
	Side          string          `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	AmountIsQuote bool            `json:"amount_is_quote"`
	SlippagePct   float64         `json:"slippage_pct"`
}

func (g *Gateway) Price(ctx context.Context) (Quote, error) {
	q := url.Values{}
	q.Set("chain", g.id.Chain)
	q.Set("connector", g.id.Connector)
	q.Set("pool_address", g.id.Pool)
	res, err := g.client.get(ctx, "/price", q)
	if err != nil {
		return Quote{}, err
	}
	body := unwrap(res)
	price := first(body, "price", "midPrice", "mid_price", "poolPrice")
	if !price.Exists() {
		return Quote{}, fmt.Errorf("price missing: %w", ErrInvalidResponse)
	}
	return Quote{Price: price.Float(), At: timeOf(first(body, "timestamp", "ts", "time"))}, nil
}

func (g *Gateway) Balances(ctx context.Context) (Balances, error) {
	q := url.Values{}
	q.Set("chain", g.id.Chain)
	q.Set("address", g.id.Wallet)
	q.Set("tokens", g.id.Base+","+g.id.Quote)
	res, err := g.client.get(ctx, "/balances", q)
	if err != nil {
		return Balances{}, err
	}
	body := unwrap(res)
	raw := body.Get("balances")
	if !raw.Exists() {
		return Balances{}, fmt.Errorf("balances missing: %w", ErrInvalidResponse)
	}
	amounts := map[string]decimal.Decimal{}
	raw.ForEach(func(key, value gjson.Result) bool {
		if raw.IsArray() {
			symbol := first(value, "symbol", "token").String()
			amounts[strings.ToUpper(symbol)] = decimalOf(first(value, "amount", "balance"))
			return true
		}
		amounts[strings.ToUpper(key.String())] = decimalOf(value)
		return true
	})
	return Balances{
		Base:  amounts[strings.ToUpper(g.id.Base)],
		Quote: amounts[strings.ToUpper(g.id.Quote)],
		At:    timeOf(first(body, "timestamp", "ts")),
	}, nil
}

func (g *Gateway) Position(ctx context.Context, id string) (Position, error) {
	q := url.Values{}
	q.Set("chain", g.id.Chain)
	q.Set("connector", g.id.Connector)
	res, err := g.client.get(ctx, "/positions/"+url.PathEscape(id), q)
	if err != nil {
		return Position{}, err
	}
	body := unwrap(res)
	pos := Position{
		ID:              first(body, "id", "position_id", "positionAddress").String(),
		ActionID:        first(body, "action_id", "client_id").String(),
		State:           strings.ToUpper(first(body, "state", "status").String()),
		Lower:           first(body, "lower_price", "lowerPrice").Float(),
		Upper:           first(body, "upper_price", "upperPrice").Float(),
		Amount0:         first(body, "amount0", "base_amount", "baseTokenAmount").Float(),
		Amount1:         first(body, "amount1", "quote_amount", "quoteTokenAmount").Float(),
		Fee0:            first(body, "fee0", "base_fee", "baseFeeAmount").Float(),
		Fee1:            first(body, "fee1", "quote_fee", "quoteFeeAmount").Float(),
		Price:           first(body, "price", "current_price", "currentPrice").Float(),
		OutOfRangeSince: timeOf(first(body, "out_of_range_since", "outOfRangeSince")),
	}
	if pos.ID == "" {
		pos.ID = id
	}
	if pos.State == "" {
		return Position{}, fmt.Errorf("position %s state missing: %w", id, ErrInvalidResponse)
	}
	return pos, nil
}

// Submit sends one action and returns the gateway action id.
func (g *Gateway) Submit(ctx context.Context, req Request) (string, error) {
	var (
		res gjson.Result
		err error
	)
	switch req.Kind {
	case RequestOpen:
		res, err = g.client.post(ctx, "/positions/open", openPayload{
			ClientID:  req.ClientID,
			Chain:     g.id.Chain,
			Connector: g.id.Connector,
			Wallet:    g.id.Wallet,
			Pool:      g.id.Pool,
			Lower:     req.Lower,
			Upper:     req.Upper,
			Amount0:   req.Amount0,
			Amount1:   req.Amount1,
		})
	case RequestClose:
		if req.PositionID == "" {
			return "", fmt.Errorf("close without position id: %w", ErrInvalidResponse)
		}
		res, err = g.client.post(ctx, "/positions/"+url.PathEscape(req.PositionID)+"/close", closePayload{
			ClientID:  req.ClientID,
			Chain:     g.id.Chain,
			Connector: g.id.Connector,
			Wallet:    g.id.Wallet,
		})
	case RequestSwap:
		res, err = g.client.post(ctx, "/swaps", swapPayload{
			ClientID:      req.ClientID,
			Chain:         g.id.Chain,
			Connector:     g.id.Connector,
			Wallet:        g.id.Wallet,
			Pool:          g.id.Pool,
			Side:          req.Side,
			Amount:        req.Amount,
			AmountIsQuote: req.AmountIsQuote,
			SlippagePct:   req.MaxSlippage * 100,
		})
	default:
		return "", fmt.Errorf("unknown request kind %q", req.Kind)
	}
	if err != nil {
		return "", err
	}
	id := first(unwrap(res), "action_id", "actionId", "id").String()
	if id == "" {
		return "", fmt.Errorf("action id missing: %w", ErrInvalidResponse)
	}
	return id, nil
}

// PollStatus reads the current state of a submitted action.
func (g *Gateway) PollStatus(ctx context.Context, actionID string) (ActionStatus, error) {
	res, err := g.client.get(ctx, "/actions/"+url.PathEscape(actionID), nil)
	if err != nil {
		return ActionStatus{}, err
	}
	body := unwrap(res)
	status := ActionStatus{
		ID:         first(body, "id", "action_id").String(),
		Kind:       strings.ToLower(first(body, "kind", "type").String()),
		State:      normalizeActionState(first(body, "state", "status").String()),
		PositionID: first(body, "position_id", "positionAddress").String(),
		Delta0:     decimalOf(first(body, "delta0", "delta_base")),
		Delta1:     decimalOf(first(body, "delta1", "delta_quote")),
		AmountIn:   decimalOf(first(body, "amount_in", "amountIn")),
		AmountOut:  decimalOf(first(body, "amount_out", "amountOut")),
		UpdatedAt:  timeOf(first(body, "updated_at", "updatedAt", "timestamp")),
		Error:      first(body, "error", "message").String(),
	}
	if status.ID == "" {
		status.ID = actionID
	}
	return status, nil
}

func normalizeActionState(raw string) ActionState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "CONFIRMED", "SUCCESS", "DONE":
		return ActionCompleted
	case "FAILED", "ERROR", "REJECTED", "EXPIRED":
		return ActionFailed
	}
	return ActionPending
}

func unwrap(res gjson.Result) gjson.Result {
	for _, key := range []string{"data", "result"} {
		if inner := res.Get(key); inner.IsObject() {
			return inner
		}
	}
	return res
}

func first(res gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := res.Get(path); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func decimalOf(res gjson.Result) decimal.Decimal {
	if !res.Exists() {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(res.String()))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// timeOf accepts unix seconds, unix milliseconds or RFC 3339.
func timeOf(res gjson.Result) time.Time {
	if !res.Exists() {
		return time.Time{}
	}
	var n float64
	switch res.Type {
	case gjson.Number:
		n = res.Float()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, res.String()); err == nil {
			return ts
		}
		parsed, err := strconv.ParseFloat(res.String(), 64)
		if err != nil {
			return time.Time{}
		}
		n = parsed
	default:
		return time.Time{}
	}
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	return time.Unix(int64(n), 0)
}
