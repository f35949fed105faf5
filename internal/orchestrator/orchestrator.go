// Package orchestrator applies a single global deadline around one call to
// the router and owns the outer cancellation scope for a request.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

type Orchestrator struct {
	router            *routing.Router
	maxOperationTimeout time.Duration
	logger            *logrus.Logger
}

func New(router *routing.Router, maxOperationTimeout time.Duration, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{router: router, maxOperationTimeout: maxOperationTimeout, logger: logger}
}

// GenerateResponse races a unary call against T_max.
func (o *Orchestrator) GenerateResponse(ctx context.Context, req *types.ChatRequest, requestID string) (*types.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.maxOperationTimeout)
	defer cancel()

	type result struct {
		resp *types.ChatResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		resp, err := o.router.ChooseAndGenerate(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.resp, nil
		}
		if _, ok := r.err.(*types.ProviderError); ok {
			return nil, r.err
		}
		return nil, types.NewProviderError("orchestrator", types.ErrUnknown, r.err.Error(), false, r.err)

	case <-ctx.Done():
		o.logger.WithField("request_id", requestID).Error("operation exceeded global timeout")
		return nil, types.NewProviderError("orchestrator", types.ErrGlobalTimeout,
			fmt.Sprintf("operation exceeded global timeout of %s", o.maxOperationTimeout), false, nil)
	}
}

// StreamResponse wraps the router's stream with a wall-clock check before
// forwarding every chunk. The check runs as each event arrives from the
// router: once T_max has elapsed, the arriving event is dropped, the inner
// stream is cancelled and GLOBAL_TIMEOUT is emitted. The inner stream is also
// cancelled as soon as the caller context is done.
func (o *Orchestrator) StreamResponse(ctx context.Context, req *types.ChatRequest, requestID string) <-chan routing.StreamEvent {
	out := make(chan routing.StreamEvent)

	go func() {
		defer close(out)

		innerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		start := time.Now()
		inner := o.router.ChooseAndStream(innerCtx, req)

		chunksEmitted := 0
		for {
			select {
			case ev, ok := <-inner:
				if !ok {
					o.logger.WithFields(logrus.Fields{"request_id": requestID, "chunks": chunksEmitted}).Info("stream completed")
					return
				}
				if time.Since(start) > o.maxOperationTimeout {
					cancel()
					out <- routing.StreamEvent{Err: types.NewProviderError("orchestrator", types.ErrGlobalTimeout,
						fmt.Sprintf("operation exceeded global timeout of %s", o.maxOperationTimeout), false, nil)}
					return
				}
				if ev.Err != nil {
					if _, ok := ev.Err.(*types.ProviderError); !ok {
						ev.Err = types.NewProviderError("orchestrator", types.ErrUnknown, ev.Err.Error(), false, ev.Err)
					}
					out <- ev
					return
				}
				chunksEmitted++
				out <- ev

			case <-ctx.Done():
				cancel()
				out <- routing.StreamEvent{Err: types.NewProviderError("orchestrator", types.ErrGlobalTimeout,
					fmt.Sprintf("operation exceeded global timeout of %s", o.maxOperationTimeout), false, nil)}
				return
			}
		}
	}()

	return out
}
