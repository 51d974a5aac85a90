package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// LabeledCounter counts by a single label value, e.g. decision reason.
type LabeledCounter interface {
	Inc(label string)
}

// StateGauge marks exactly one controller state as current.
type StateGauge interface {
	Set(state string)
}

type Metrics struct {
	ActionsSubmitted Counter
	ActionsFailed    Counter
	TickFailed       Counter
	Rebalances       Counter
	StopLosses       Counter
	TakeProfits      Counter
	FailureLocks     Counter

	State             StateGauge
	Reasons           LabeledCounter
	TimeInState       Gauge
	Anchor            Gauge
	CooldownRemaining Gauge
	RebalanceDue      Gauge
	ActivePositions   Gauge
	ActiveSwaps       Gauge
	FeeRateEWMA       Gauge
	RealizedPnL       Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopLabeled struct{}

func (noopLabeled) Inc(string) {}

type noopState struct{}

func (noopState) Set(string) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		ActionsSubmitted:  c,
		ActionsFailed:     c,
		TickFailed:        c,
		Rebalances:        c,
		StopLosses:        c,
		TakeProfits:       c,
		FailureLocks:      c,
		State:             noopState{},
		Reasons:           noopLabeled{},
		TimeInState:       g,
		Anchor:            g,
		CooldownRemaining: g,
		RebalanceDue:      g,
		ActivePositions:   g,
		ActiveSwaps:       g,
		FeeRateEWMA:       g,
		RealizedPnL:       g,
	}
}
