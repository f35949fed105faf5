package routing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/state"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// fakeProvider is a scriptable test double implementing providers.Provider.
type fakeProvider struct {
	name string

	genResp *types.ChatResponse
	genErr  error

	// streamChunks are emitted one at a time, sleeping streamDelay before
	// the first if set; streamErr is sent after all chunks (possibly with
	// zero chunks, possibly immediately).
	streamChunks []string
	streamDelay  time.Duration
	streamErr    error
	// errBeforeFirstChunk sends streamErr before any chunk instead of after.
	errBeforeFirstChunk bool
	// interChunkDelay sleeps between chunks post-commit, for global-timeout tests.
	interChunkDelay time.Duration

	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	f.calls++
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.genResp, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *types.ChatRequest) (<-chan string, <-chan error) {
	f.calls++
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		if f.errBeforeFirstChunk && f.streamErr != nil {
			select {
			case <-time.After(f.streamDelay):
			case <-ctx.Done():
				return
			}
			errc <- f.streamErr
			return
		}

		if f.streamDelay > 0 {
			select {
			case <-time.After(f.streamDelay):
			case <-ctx.Done():
				return
			}
		}

		for i, c := range f.streamChunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if i < len(f.streamChunks)-1 && f.interChunkDelay > 0 {
				select {
				case <-time.After(f.interChunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}

		if f.streamErr != nil && !f.errBeforeFirstChunk {
			errc <- f.streamErr
		}
	}()

	return chunks, errc
}

func newTestRouter(t *testing.T, cfg Config, provs ...providers.Provider) (*Router, state.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	store, err := state.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)

	registry := providers.NewRegistry()
	for _, p := range provs {
		registry.Register(p)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	router := NewRouter(registry, store, cfg, logger)
	return router, store, func() { mr.Close() }
}

func TestHappyPathUnary(t *testing.T) {
	a := &fakeProvider{name: "A", genResp: &types.ChatResponse{
		Text: "hi", ProviderMeta: map[string]interface{}{"tokens_total": 7},
	}}
	b := &fakeProvider{name: "B", genResp: &types.ChatResponse{Text: "should not be used"}}

	router, store, cleanup := newTestRouter(t, Config{}, a, b)
	defer cleanup()

	resp, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Text)
	require.Equal(t, "A", resp.ProviderName)
	require.Equal(t, 0, b.calls)

	n, err := store.FailureCount(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestFailoverOnServerError(t *testing.T) {
	a := &fakeProvider{name: "A", genErr: types.NewProviderError("A", types.ErrServerError, "upstream 503", true, nil)}
	b := &fakeProvider{name: "B", genResp: &types.ChatResponse{Text: "ok"}}

	router, store, cleanup := newTestRouter(t, Config{BackoffBase: 5 * time.Second}, a, b)
	defer cleanup()

	resp, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, "B", resp.ProviderName)

	n, err := store.FailureCount(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ttl, err := store.BlacklistTTL(context.Background(), "A")
	require.NoError(t, err)
	require.InDelta(t, 5, ttl, 1)
}

func TestFirstChunkTimeoutFailsOver(t *testing.T) {
	a := &fakeProvider{name: "A", streamDelay: 500 * time.Millisecond, streamChunks: []string{"late"}}
	b := &fakeProvider{name: "B", streamChunks: []string{"hello", "world"}}

	router, store, cleanup := newTestRouter(t, Config{FirstChunkTimeout: 100 * time.Millisecond, BackoffBase: 5 * time.Second}, a, b)
	defer cleanup()

	var got []string
	for ev := range router.ChooseAndStream(context.Background(), &types.ChatRequest{}) {
		require.NoError(t, ev.Err)
		got = append(got, ev.Text)
	}
	require.Equal(t, []string{"hello", "world"}, got)

	ttl, err := store.BlacklistTTL(context.Background(), "A")
	require.NoError(t, err)
	require.Greater(t, ttl, int64(0))
}

func TestPostCommitFailureIsTerminal(t *testing.T) {
	a := &fakeProvider{
		name:         "A",
		streamChunks: []string{"foo"},
		streamErr:    types.NewProviderError("A", types.ErrTimeout, "connection dropped", true, nil),
	}
	b := &fakeProvider{name: "B", streamChunks: []string{"should not be used"}}

	router, store, cleanup := newTestRouter(t, Config{FirstChunkTimeout: time.Second}, a, b)
	defer cleanup()

	var got []StreamEvent
	for ev := range router.ChooseAndStream(context.Background(), &types.ChatRequest{}) {
		got = append(got, ev)
	}

	require.Len(t, got, 2)
	require.Equal(t, "foo", got[0].Text)
	require.Error(t, got[1].Err)
	pe, ok := got[1].Err.(*types.ProviderError)
	require.True(t, ok)
	require.Equal(t, types.ErrTimeout, pe.Code)
	require.Equal(t, 0, b.calls)

	n, err := store.FailureCount(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPinnedProviderNotFound(t *testing.T) {
	a := &fakeProvider{name: "A", genResp: &types.ChatResponse{Text: "ok"}}

	router, _, cleanup := newTestRouter(t, Config{}, a)
	defer cleanup()

	_, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{Provider: "ghost"})
	require.Error(t, err)
	pe, ok := err.(*types.ProviderError)
	require.True(t, ok)
	require.Equal(t, types.ErrInvalidProvider, pe.Code)
	require.Equal(t, 0, a.calls)
}

func TestPinnedProviderBlacklisted(t *testing.T) {
	a := &fakeProvider{name: "A", genResp: &types.ChatResponse{Text: "ok"}}
	b := &fakeProvider{name: "B", genResp: &types.ChatResponse{Text: "should not be used"}}

	router, store, cleanup := newTestRouter(t, Config{}, a, b)
	defer cleanup()

	require.NoError(t, store.Blacklist(context.Background(), "A", 30))

	_, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{Provider: "A"})
	require.Error(t, err)
	pe, ok := err.(*types.ProviderError)
	require.True(t, ok)
	require.Equal(t, types.ErrProviderUnavailable, pe.Code)
	require.Equal(t, 0, b.calls)
}

func TestRateLimitGateSkipsToNextProvider(t *testing.T) {
	a := &fakeProvider{name: "A", genResp: &types.ChatResponse{Text: "from-a"}}
	b := &fakeProvider{name: "B", genResp: &types.ChatResponse{Text: "from-b"}}

	router, store, cleanup := newTestRouter(t, Config{
		ProviderRateLimits: map[string]int64{"A": 1},
	}, a, b)
	defer cleanup()

	resp, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "from-a", resp.Text)

	resp, err = router.ChooseAndGenerate(context.Background(), &types.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "from-b", resp.Text)

	blacklisted, err := store.IsBlacklisted(context.Background(), "A")
	require.NoError(t, err)
	require.False(t, blacklisted)
	n, err := store.FailureCount(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestAllProvidersFailed(t *testing.T) {
	a := &fakeProvider{name: "A", genErr: types.NewProviderError("A", types.ErrServerError, "down", true, nil)}
	b := &fakeProvider{name: "B", genErr: types.NewProviderError("B", types.ErrServerError, "also down", true, nil)}

	router, _, cleanup := newTestRouter(t, Config{BackoffBase: time.Second}, a, b)
	defer cleanup()

	_, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{})
	require.Error(t, err)
	pe, ok := err.(*types.ProviderError)
	require.True(t, ok)
	require.Equal(t, types.ErrAllProvidersFailed, pe.Code)
}

func TestNonRetriableFailureDoesNotMutateCounters(t *testing.T) {
	a := &fakeProvider{name: "A", genErr: types.NewProviderError("A", types.ErrBadRequest, "bad request", false, nil)}
	b := &fakeProvider{name: "B", genResp: &types.ChatResponse{Text: "ok"}}

	router, store, cleanup := newTestRouter(t, Config{}, a, b)
	defer cleanup()

	resp, err := router.ChooseAndGenerate(context.Background(), &types.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)

	n, err := store.FailureCount(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	blacklisted, err := store.IsBlacklisted(context.Background(), "A")
	require.NoError(t, err)
	require.False(t, blacklisted)
}

func TestMetricsRecordAttemptsFailuresAndLatency(t *testing.T) {
	a := &fakeProvider{name: "A", genErr: types.NewProviderError("A", types.ErrServerError, "down", true, nil)}
	b := &fakeProvider{name: "B", streamChunks: []string{"hi"}}

	router, _, cleanup := newTestRouter(t, Config{BackoffBase: time.Second}, a, b)
	defer cleanup()

	m := metrics.New()
	router.SetMetrics(m)

	_, _ = router.ChooseAndGenerate(context.Background(), &types.ChatRequest{Provider: "A"})
	require.Equal(t, float64(1), testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("A")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ProviderFailures.WithLabelValues("A")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.BlacklistedGauge.WithLabelValues("A")))

	for ev := range router.ChooseAndStream(context.Background(), &types.ChatRequest{Provider: "B"}) {
		require.NoError(t, ev.Err)
	}
	require.Equal(t, float64(1), testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("B")))
	require.Equal(t, 1, testutil.CollectAndCount(m.FirstChunkLatency))
}
