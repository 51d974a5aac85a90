package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type statusResponse struct {
	State             string   `json:"state"`
	StateSince        string   `json:"state_since"`
	TimeInStateSec    float64  `json:"time_in_state_sec"`
	Reason            string   `json:"reason"`
	AnchorEquity      *float64 `json:"anchor_equity"`
	Equity            float64  `json:"equity"`
	CooldownRemaining float64  `json:"cooldown_remaining_sec"`
	RebalanceDue      bool     `json:"rebalance_due"`
	ActivePositions   int      `json:"active_positions"`
	ActiveSwaps       int      `json:"active_swaps"`
	FeeRateEWMA       float64  `json:"fee_rate_ewma"`
	PositionID        string   `json:"position_id,omitempty"`
	PendingActionID   string   `json:"pending_action_id,omitempty"`
	OrphanOpenIDs     []string `json:"orphan_open_ids,omitempty"`
	LastExitReason    string   `json:"last_exit_reason,omitempty"`
	FailureReason     string   `json:"failure_reason,omitempty"`
	RealizedPnL       float64  `json:"realized_pnl"`
	RealizedVolume    float64  `json:"realized_volume"`
	Closes            int      `json:"closes"`
	Rebalances        int      `json:"rebalances"`
	Price             *float64 `json:"price"`
	ManualStop        bool     `json:"manual_stop"`
	ReenterEnabled    bool     `json:"reenter_enabled"`
}

func (a *App) httpServer() *http.Server {
	if a.cfg.Metrics.Address == "" {
		return nil
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	a.registerRoutes(router)
	return &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", a.handleStatus)
	if a.prom != nil {
		router.GET(a.cfg.Metrics.Path, gin.WrapH(a.prom.Handler()))
	}
}

func (a *App) handleStatus(c *gin.Context) {
	st := a.controller.Status()
	flags := a.control.Flags()
	a.statusMu.RLock()
	snap := a.lastSnap
	a.statusMu.RUnlock()
	resp := statusResponse{
		State:             string(st.State),
		TimeInStateSec:    st.TimeInState.Seconds(),
		Reason:            st.Reason,
		Equity:            st.Equity,
		CooldownRemaining: st.CooldownRemaining.Seconds(),
		RebalanceDue:      st.RebalanceDue,
		ActivePositions:   st.ActivePositions,
		ActiveSwaps:       st.ActiveSwaps,
		FeeRateEWMA:       st.FeeRate,
		PositionID:        st.PositionID,
		PendingActionID:   st.PendingActionID,
		OrphanOpenIDs:     st.OrphanOpenIDs,
		LastExitReason:    st.LastExitReason,
		FailureReason:     st.FailureReason,
		RealizedPnL:       st.Stats.RealizedPnL,
		RealizedVolume:    st.Stats.RealizedVolume,
		Closes:            st.Stats.Closes,
		Rebalances:        st.Stats.Rebalances,
		ManualStop:        flags.ManualStop,
		ReenterEnabled:    flags.ReenterEnabled,
	}
	if !st.StateSince.IsZero() {
		resp.StateSince = st.StateSince.UTC().Format(time.RFC3339)
	}
	if st.HasAnchor {
		anchor := st.AnchorEquity
		resp.AnchorEquity = &anchor
	}
	if snap.HasPrice {
		price := snap.Price
		resp.Price = &price
	}
	c.JSON(http.StatusOK, resp)
}

func serveHTTP(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown failed", zap.Error(err))
		}
		return nil
	}
}
