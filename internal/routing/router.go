// Package routing implements the per-request provider-selection state
// machine: candidate iteration over the adapter registry, blacklist and
// rate-limit gating against the shared state store, exponential backoff on
// retriable failure, and the first-chunk commit protocol that pins a
// streaming request to a single provider the instant the first chunk has
// been forwarded to the caller.
package routing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/state"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Config holds the Router's timing and backoff parameters, carried in
// explicitly at construction rather than read from an ambient singleton.
type Config struct {
	FirstChunkTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// ProviderRateLimits maps provider name -> max requests per minute. A
	// provider absent from this map is not rate-limited by the router.
	ProviderRateLimits map[string]int64
}

// Router owns the ordered candidate list and drives the dispatcher state
// machine described in the component design.
type Router struct {
	registry *providers.Registry
	store    state.Store
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewRouter(registry *providers.Registry, store state.Store, cfg Config, logger *logrus.Logger) *Router {
	if cfg.FirstChunkTimeout == 0 {
		cfg.FirstChunkTimeout = 3 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 300 * time.Second
	}
	return &Router{registry: registry, store: store, cfg: cfg, logger: logger}
}

// SetMetrics attaches a collector the router reports attempt/failure/
// first-chunk-latency/blacklist series to. Optional: a Router with no
// collector attached runs exactly as before, just unobserved.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// candidates resolves the ordered list of providers to attempt for this
// request, honoring a pinned request.provider.
func (r *Router) candidates(req *types.ChatRequest) ([]providers.Provider, error) {
	if req.Provider == "" {
		return r.registry.Ordered(), nil
	}

	p, ok := r.registry.Get(req.Provider)
	if !ok {
		return nil, types.NewProviderError("", types.ErrInvalidProvider,
			fmt.Sprintf("unknown provider %q", req.Provider), false, nil)
	}

	blacklisted, err := r.store.IsBlacklisted(context.Background(), req.Provider)
	if err != nil {
		return nil, types.NewProviderError(req.Provider, types.ErrUnknown, "failed to check blacklist", false, err)
	}
	if blacklisted {
		return nil, types.NewProviderError(req.Provider, types.ErrProviderUnavailable,
			fmt.Sprintf("provider %q is currently blacklisted", req.Provider), false, nil)
	}

	return []providers.Provider{p}, nil
}

// markFailed implements _mark_failed: increment the consecutive-failure
// counter and (re)set the blacklist with exponential backoff.
func (r *Router) markFailed(ctx context.Context, name string) {
	if r.metrics != nil {
		r.metrics.ProviderFailures.WithLabelValues(name).Inc()
	}
	n, err := r.store.IncrementFailure(ctx, name)
	if err != nil {
		r.logger.WithError(err).WithField("provider", name).Warn("failed to increment failure counter")
		return
	}
	ttl := backoffTTL(n, r.cfg.BackoffBase, r.cfg.BackoffMax)
	if err := r.store.Blacklist(ctx, name, int64(ttl.Seconds())); err != nil {
		r.logger.WithError(err).WithField("provider", name).Warn("failed to blacklist provider")
	}
	if r.metrics != nil {
		r.metrics.BlacklistedGauge.WithLabelValues(name).Set(1)
	}
	r.logger.WithFields(logrus.Fields{"provider": name, "failures": n, "ttl": ttl}).Warn("provider marked failed")
}

// markRecovered clears the blacklist gauge on a successful commit. The
// underlying blacklist key clears itself by TTL; this keeps the exported
// gauge from lagging a success that arrives before the TTL expires.
func (r *Router) markRecovered(name string) {
	if r.metrics != nil {
		r.metrics.BlacklistedGauge.WithLabelValues(name).Set(0)
	}
}

func backoffTTL(failures int64, base, max time.Duration) time.Duration {
	ttl := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
	if ttl > max {
		return max
	}
	if ttl < base {
		return base
	}
	return ttl
}

// gateCheck applies the eligibility invariant: not blacklisted AND
// rate-limit check passes. Returns (skip, rateLimitErr, err); rateLimitErr is
// set only when the skip is caused by the rate limit.
func (r *Router) gateCheck(ctx context.Context, name string) (skip bool, rateLimitErr *types.ProviderError, err error) {
	blacklisted, err := r.store.IsBlacklisted(ctx, name)
	if err != nil {
		return false, nil, err
	}
	if blacklisted {
		return true, nil, nil
	}

	limit, configured := r.cfg.ProviderRateLimits[name]
	if !configured {
		return false, nil, nil
	}

	allowed, _, err := r.store.CheckRateLimit(ctx, state.KeyProviderRateLimit(name), limit, 60)
	if err != nil {
		return false, nil, err
	}
	if !allowed {
		return true, types.NewProviderError(name, types.ErrRateLimit,
			fmt.Sprintf("provider %q rate limit exceeded", name), true, nil), nil
	}
	return false, nil, nil
}

// ChooseAndGenerate implements the unary candidate-iteration loop from §4.3.
func (r *Router) ChooseAndGenerate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	candidates, err := r.candidates(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range candidates {
		name := p.Name()

		skip, rateLimitErr, gateErr := r.gateCheck(ctx, name)
		if gateErr != nil {
			lastErr = types.NewProviderError(name, types.ErrUnknown, "gate check failed", false, gateErr)
			continue
		}
		if skip {
			if rateLimitErr != nil {
				lastErr = rateLimitErr
			}
			continue
		}

		if r.metrics != nil {
			r.metrics.ProviderAttempts.WithLabelValues(name).Inc()
		}
		resp, err := p.Generate(ctx, req)
		if err == nil {
			if resetErr := r.store.ResetFailure(ctx, name); resetErr != nil {
				r.logger.WithError(resetErr).WithField("provider", name).Warn("failed to reset failure counter")
			}
			r.markRecovered(name)
			resp.ProviderName = name
			return resp, nil
		}

		lastErr = err
		if pe, ok := err.(*types.ProviderError); ok {
			if pe.Retriable {
				r.markFailed(ctx, name)
			}
		} else {
			lastErr = types.NewProviderError(name, types.ErrUnknown, err.Error(), false, err)
		}
	}

	msg := "all providers failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return nil, types.NewProviderError("", types.ErrAllProvidersFailed, msg, false, lastErr)
}

// StreamEvent is one element of the unified chunk sequence the router hands
// the caller: either text, or a terminal error (never both, and never more
// than one error — the channel closes immediately after an error is sent).
type StreamEvent struct {
	Text string
	Err  error
}

// ChooseAndStream implements the first-chunk commit protocol from §4.3. It
// returns a channel that is closed after either normal completion or a
// terminal error; callers range over it until closed.
func (r *Router) ChooseAndStream(ctx context.Context, req *types.ChatRequest) <-chan StreamEvent {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)

		candidates, err := r.candidates(req)
		if err != nil {
			out <- StreamEvent{Err: err}
			return
		}

		var lastErr error
		for _, p := range candidates {
			committed, terminal := r.attemptStream(ctx, p, req, out)
			if committed {
				return
			}
			if terminal != nil {
				lastErr = terminal
			}
		}

		msg := "all providers failed"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		out <- StreamEvent{Err: types.NewProviderError("", types.ErrAllProvidersFailed, msg, false, lastErr)}
	}()

	return out
}

// attemptStream drives one candidate through the state machine in §4.3:
// gate check -> ATTEMPTING -> (first chunk within T_first ? COMMITTED :
// FAILED/SKIP). Returns committed=true if this candidate's first chunk was
// forwarded (meaning the router must not try another candidate, regardless
// of what happens afterward). terminal carries the pre-commit error, if any,
// for ALL_PROVIDERS_FAILED reporting.
func (r *Router) attemptStream(ctx context.Context, p providers.Provider, req *types.ChatRequest, out chan<- StreamEvent) (committed bool, terminal error) {
	name := p.Name()

	skip, rateLimitErr, gateErr := r.gateCheck(ctx, name)
	if gateErr != nil {
		return false, types.NewProviderError(name, types.ErrUnknown, "gate check failed", false, gateErr)
	}
	if skip {
		if rateLimitErr != nil {
			return false, rateLimitErr
		}
		return false, nil
	}

	if r.metrics != nil {
		r.metrics.ProviderAttempts.WithLabelValues(name).Inc()
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	attemptStart := time.Now()
	chunks, errc := p.Stream(attemptCtx, req)

	timer := time.NewTimer(r.cfg.FirstChunkTimeout)
	defer timer.Stop()

	select {
	case first, ok := <-chunks:
		if !ok {
			// Sequence ended with zero elements: treated as a timeout.
			r.markFailed(ctx, name)
			return false, types.NewProviderError(name, types.ErrTimeout, "stream produced no chunks", true, nil)
		}
		if r.metrics != nil {
			r.metrics.FirstChunkLatency.WithLabelValues(name).Observe(time.Since(attemptStart).Seconds())
		}
		// Commit: forward the first chunk, then every subsequent one.
		select {
		case out <- StreamEvent{Text: first}:
		case <-ctx.Done():
			return true, nil
		}
		r.forwardCommitted(ctx, name, chunks, errc, out)
		return true, nil

	case err, ok := <-errc:
		if !ok {
			// errc closed with nothing sent and no chunk arrived: same as
			// a clean empty sequence.
			r.markFailed(ctx, name)
			return false, types.NewProviderError(name, types.ErrTimeout, "stream produced no chunks", true, nil)
		}
		if pe, ok := err.(*types.ProviderError); ok {
			if pe.Retriable {
				r.markFailed(ctx, name)
			}
			return false, pe
		}
		wrapped := types.NewProviderError(name, types.ErrUnknown, err.Error(), false, err)
		return false, wrapped

	case <-timer.C:
		cancel() // release the adapter's upstream connection promptly
		r.markFailed(ctx, name)
		return false, types.NewProviderError(name, types.ErrTimeout,
			fmt.Sprintf("no chunk received within %s", r.cfg.FirstChunkTimeout), true, nil)

	case <-ctx.Done():
		return false, nil
	}
}

// forwardCommitted is post-commit: per invariant 5 / P4, no failover is ever
// attempted again for this request, no matter what happens here.
func (r *Router) forwardCommitted(ctx context.Context, name string, chunks <-chan string, errc <-chan error, out chan<- StreamEvent) {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if errc == nil {
					if resetErr := r.store.ResetFailure(ctx, name); resetErr != nil {
						r.logger.WithError(resetErr).WithField("provider", name).Warn("failed to reset failure counter")
					}
					r.markRecovered(name)
					return
				}
				continue
			}
			select {
			case out <- StreamEvent{Text: chunk}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-errc:
			if !ok {
				errc = nil
				if chunks == nil {
					if resetErr := r.store.ResetFailure(ctx, name); resetErr != nil {
						r.logger.WithError(resetErr).WithField("provider", name).Warn("failed to reset failure counter")
					}
					r.markRecovered(name)
					return
				}
				continue
			}
			if pe, ok := err.(*types.ProviderError); ok {
				if pe.Retriable {
					r.markFailed(ctx, name)
				}
				out <- StreamEvent{Err: pe}
				return
			}
			out <- StreamEvent{Err: types.NewProviderError(name, types.ErrUnknown, err.Error(), false, err)}
			return

		case <-ctx.Done():
			return
		}
	}
}
