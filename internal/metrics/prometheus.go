package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "clmm_lp_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promLabeled struct {
	vec *prometheus.CounterVec
}

func (p promLabeled) Inc(label string) {
	p.vec.WithLabelValues(label).Inc()
}

type promState struct {
	vec *prometheus.GaugeVec

	mu      sync.Mutex
	current string
}

func (p *promState) Set(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == state {
		return
	}
	if p.current != "" {
		p.vec.WithLabelValues(p.current).Set(0)
	}
	p.vec.WithLabelValues(state).Set(1)
	p.current = state
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	actionsSubmitted prometheus.Counter
	actionsFailed    prometheus.Counter
	tickFailed       prometheus.Counter
	rebalances       prometheus.Counter
	stopLosses       prometheus.Counter
	takeProfits      prometheus.Counter
	failureLocks     prometheus.Counter
	state            *prometheus.GaugeVec
	reasons          *prometheus.CounterVec
	anchor           prometheus.Gauge
	cooldown         prometheus.Gauge
	rebalanceDue     prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	actionsSubmitted := newCounter("actions_submitted_total", "Total number of actions accepted by the gateway.")
	actionsFailed := newCounter("actions_failed_total", "Total number of action submissions that failed.")
	tickFailed := newCounter("tick_failed_total", "Total number of controller ticks that returned an error.")
	rebalances := newCounter("rebalances_total", "Total number of rebalance closes issued.")
	stopLosses := newCounter("stop_losses_total", "Total number of stop-loss exits.")
	takeProfits := newCounter("take_profits_total", "Total number of take-profit exits.")
	failureLocks := newCounter("failure_locks_total", "Total number of failure lock engagements.")
	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "state",
		Help:      "Current controller state (1 for the active state).",
	}, []string{"state"})
	reasons := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "decisions_total",
		Help:      "Controller decisions by reason.",
	}, []string{"reason"})
	timeInState := newGauge("time_in_state_seconds", "Seconds spent in the current state.")
	anchor := newGauge("anchor_equity_quote", "Anchor equity of the current lifecycle in quote units.")
	cooldown := newGauge("cooldown_remaining_seconds", "Seconds until the cooldown expires.")
	rebalanceDue := newGauge("rebalance_due", "1 when the rebalance predicate currently fires.")
	activePositions := newGauge("active_positions", "Number of open LP positions observed.")
	activeSwaps := newGauge("active_swaps", "Number of swaps in flight.")
	feeRate := newGauge("fee_rate_ewma_quote_per_second", "Smoothed fee accrual rate.")
	realizedPnL := newGauge("realized_pnl_quote", "Realized PnL across closed lifecycles.")

	registry.MustRegister(actionsSubmitted, actionsFailed, tickFailed, rebalances, stopLosses, takeProfits,
		failureLocks, state, reasons, timeInState, anchor, cooldown, rebalanceDue, activePositions,
		activeSwaps, feeRate, realizedPnL)

	m := &Metrics{
		ActionsSubmitted:  promCounter{actionsSubmitted},
		ActionsFailed:     promCounter{actionsFailed},
		TickFailed:        promCounter{tickFailed},
		Rebalances:        promCounter{rebalances},
		StopLosses:        promCounter{stopLosses},
		TakeProfits:       promCounter{takeProfits},
		FailureLocks:      promCounter{failureLocks},
		State:             &promState{vec: state},
		Reasons:           promLabeled{reasons},
		TimeInState:       promGauge{timeInState},
		Anchor:            promGauge{anchor},
		CooldownRemaining: promGauge{cooldown},
		RebalanceDue:      promGauge{rebalanceDue},
		ActivePositions:   promGauge{activePositions},
		ActiveSwaps:       promGauge{activeSwaps},
		FeeRateEWMA:       promGauge{feeRate},
		RealizedPnL:       promGauge{realizedPnL},
	}

	return &Prometheus{
		Metrics:          m,
		registry:         registry,
		actionsSubmitted: actionsSubmitted,
		actionsFailed:    actionsFailed,
		tickFailed:       tickFailed,
		rebalances:       rebalances,
		stopLosses:       stopLosses,
		takeProfits:      takeProfits,
		failureLocks:     failureLocks,
		state:            state,
		reasons:          reasons,
		anchor:           anchor,
		cooldown:         cooldown,
		rebalanceDue:     rebalanceDue,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
