package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clmm-lp-bot/internal/gateway/rest"
	"clmm-lp-bot/internal/state"

	"go.uber.org/zap"
)

const actionKeyPrefix = "action:"

var ErrUnknownAction = errors.New("unknown action")

type Client interface {
	Submit(ctx context.Context, req rest.Request) (string, error)
	PollStatus(ctx context.Context, actionID string) (rest.ActionStatus, error)
}

// Executor submits requests at most once per client id and maps client ids
// back to gateway action ids for polling.
type Executor struct {
	client Client
	store  state.Store
	log    *zap.Logger

	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(client Client, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		client:   client,
		store:    store,
		log:      log,
		attempts: 5,
		backoff:  200 * time.Millisecond,
		cache:    make(map[string]string),
	}
}

func (e *Executor) Submit(ctx context.Context, req rest.Request) (string, error) {
	if req.ClientID == "" {
		return "", errors.New("request without client id")
	}
	if id, ok, err := e.lookup(ctx, req.ClientID); err != nil {
		return "", err
	} else if ok {
		e.log.Debug("action already submitted", zap.String("client_id", req.ClientID), zap.String("action_id", id))
		return id, nil
	}
	var actionID string
	err := e.retry(ctx, func() error {
		var err error
		actionID, err = e.client.Submit(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	if actionID == "" {
		return "", errors.New("empty action id")
	}
	if e.store != nil {
		if err := e.store.Set(ctx, actionKeyPrefix+req.ClientID, actionID); err != nil {
			e.log.Warn("failed to persist action id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[req.ClientID] = actionID
	e.mu.Unlock()
	return actionID, nil
}

// Status polls the gateway for an action previously submitted under clientID.
func (e *Executor) Status(ctx context.Context, clientID string) (rest.ActionStatus, error) {
	actionID, ok, err := e.lookup(ctx, clientID)
	if err != nil {
		return rest.ActionStatus{}, err
	}
	if !ok {
		return rest.ActionStatus{}, fmt.Errorf("%s: %w", clientID, ErrUnknownAction)
	}
	status, err := e.client.PollStatus(ctx, actionID)
	if err != nil {
		return rest.ActionStatus{}, err
	}
	if status.ID == "" {
		status.ID = actionID
	}
	return status, nil
}

func (e *Executor) lookup(ctx context.Context, clientID string) (string, bool, error) {
	e.mu.Lock()
	if id, ok := e.cache[clientID]; ok {
		e.mu.Unlock()
		return id, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return "", false, nil
	}
	id, ok, err := e.store.Get(ctx, actionKeyPrefix+clientID)
	if err != nil || !ok {
		return "", false, err
	}
	e.mu.Lock()
	e.cache[clientID] = id
	e.mu.Unlock()
	return id, true, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, rest.ErrNotFound) || attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Debug("gateway call failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
