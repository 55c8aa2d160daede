package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-yield/internal/cache"
	"github.com/ggonzalez94/defi-yield/internal/config"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/model"
)

type cachePolicyEnvelope struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data"`
	Warnings []string       `json:"warnings"`
	Meta     struct {
		Cache     model.CacheStatus      `json:"cache"`
		Providers []model.ProviderStatus `json:"providers"`
		Partial   bool                   `json:"partial"`
	} `json:"meta"`
}

type sourcePayload map[string]any

func TestRunCachedServesFreshHitWithoutFetching(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Minute, 5*time.Minute, false)
	key := cache.Key("test command", "fresh")
	if err := state.cache.Set("test command", key, sourcePayload{"source": "cache"}, time.Minute); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}

	err := runCached(state, "test command", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		t.Fatal("fresh hit must not reach the provider")
		return nil, nil, nil, false, nil
	})
	if err != nil {
		t.Fatalf("runCached failed: %v", err)
	}
	env := decodeCachePolicyEnvelope(t, stdout)
	if env.Data["source"] != "cache" || env.Meta.Cache.Status != "hit" || env.Meta.Cache.Stale {
		t.Fatalf("expected fresh cache hit, got %+v", env)
	}
}

func TestRunCachedFetchesProviderAfterTTLExpiry(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Minute, 5*time.Minute, false)
	key := cache.Key("test command", "fetch-after-ttl")
	if err := state.cache.Set("test command", key, sourcePayload{"source": "cache"}, time.Second); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)

	fetchCalls := 0
	err := runCached(state, "test command", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		fetchCalls++
		return sourcePayload{"source": "provider"}, []model.ProviderStatus{{Name: "test-provider", Status: "ok", LatencyMS: 1}}, nil, false, nil
	})
	if err != nil {
		t.Fatalf("runCached failed: %v", err)
	}
	if fetchCalls != 1 {
		t.Fatalf("expected provider fetch after ttl expiry, got calls=%d", fetchCalls)
	}

	env := decodeCachePolicyEnvelope(t, stdout)
	if !env.Success || env.Data["source"] != "provider" {
		t.Fatalf("expected provider data after ttl expiry, got %#v", env)
	}
	if env.Meta.Cache.Status != "write" || env.Meta.Cache.Stale {
		t.Fatalf("expected cache write metadata, got %+v", env.Meta.Cache)
	}
	if len(env.Meta.Providers) != 1 || env.Meta.Providers[0].Name != "test-provider" {
		t.Fatalf("expected provider metadata in response, got %+v", env.Meta.Providers)
	}

	cached, err := state.cache.Get(key, 0)
	if err != nil || !cached.Hit || cached.Stale {
		t.Fatalf("expected refreshed entry, got %+v err=%v", cached, err)
	}
}

func TestRunCachedFallsBackToStaleOnProviderFailure(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Second, 5*time.Second, false)
	key := cache.Key("test command", "fallback-stale")
	if err := state.cache.Set("test command", key, sourcePayload{"source": "cache"}, time.Second); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)

	fetchCalls := 0
	err := runCached(state, "test command", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		fetchCalls++
		return nil, []model.ProviderStatus{{Name: "test-provider", Status: "unavailable", LatencyMS: 1}}, nil, false, clierr.New(clierr.CodeUnavailable, "provider unavailable")
	})
	if err != nil {
		t.Fatalf("expected stale fallback success, got error: %v", err)
	}
	if fetchCalls != 1 {
		t.Fatalf("expected exactly one provider fetch attempt, got %d", fetchCalls)
	}

	env := decodeCachePolicyEnvelope(t, stdout)
	if env.Data["source"] != "cache" {
		t.Fatalf("expected stale cache fallback data, got %#v", env.Data)
	}
	if env.Meta.Cache.Status != "hit" || !env.Meta.Cache.Stale {
		t.Fatalf("expected stale cache hit metadata, got %+v", env.Meta.Cache)
	}
	if len(env.Meta.Providers) != 1 || env.Meta.Providers[0].Status != "unavailable" {
		t.Fatalf("expected provider failure metadata, got %+v", env.Meta.Providers)
	}
	if !containsWarning(env.Warnings, "provider fetch failed; serving stale data within max-stale budget") {
		t.Fatalf("expected stale fallback warning, got %+v", env.Warnings)
	}
}

func TestRunCachedRejectsStaleWhenBeyondMaxStale(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Second, 10*time.Millisecond, false)
	key := cache.Key("test command", "too-stale")
	if err := state.cache.Set("test command", key, sourcePayload{"source": "cache"}, time.Second); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(1300 * time.Millisecond)

	fetchCalls := 0
	err := runCached(state, "test command", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		fetchCalls++
		return nil, []model.ProviderStatus{{Name: "test-provider", Status: "unavailable", LatencyMS: 1}}, nil, false, clierr.New(clierr.CodeUnavailable, "provider unavailable")
	})
	if fetchCalls != 1 {
		t.Fatalf("expected provider fetch attempt before stale rejection, got %d", fetchCalls)
	}
	if code := clierr.ExitCode(err); code != int(clierr.CodeStale) {
		t.Fatalf("expected stale exit code %d, got %d err=%v", int(clierr.CodeStale), code, err)
	}
	if !strings.Contains(err.Error(), "cached data exceeded stale budget") {
		t.Fatalf("expected stale budget message, got %v", err)
	}
}

func TestRunCachedNoStaleDisablesFallback(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Second, 5*time.Minute, true)
	key := cache.Key("test command", "no-stale")
	if err := state.cache.Set("test command", key, sourcePayload{"source": "cache"}, time.Second); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)

	err := runCached(state, "test command", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		return nil, nil, nil, false, clierr.New(clierr.CodeRateLimited, "slow down")
	})
	if code := clierr.ExitCode(err); code != int(clierr.CodeStale) {
		t.Fatalf("expected stale exit code with --no-stale, got %d err=%v", code, err)
	}
	if !strings.Contains(err.Error(), "--no-stale") {
		t.Fatalf("expected no-stale message, got %v", err)
	}
}

func TestRunCachedDoesNotFallbackStaleOnAuthFailure(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Second, 5*time.Second, false)
	key := cache.Key("test command", "no-fallback-auth")
	if err := state.cache.Set("test command", key, sourcePayload{"source": "cache"}, time.Second); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)

	err := runCached(state, "test command", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		return nil, []model.ProviderStatus{{Name: "test-provider", Status: "auth_error", LatencyMS: 1}}, nil, false, clierr.New(clierr.CodeAuth, "missing api key")
	})
	if code := clierr.ExitCode(err); code != int(clierr.CodeAuth) {
		t.Fatalf("expected auth exit code %d, got %d err=%v", int(clierr.CodeAuth), code, err)
	}
}

func TestRunCachedPartialResultKeepsDiagnostics(t *testing.T) {
	state, stdout := newCachePolicyTestState(t, time.Minute, 5*time.Minute, false)
	key := cache.Key("discover", "partial")

	err := runCached(state, "discover", key, func(ctx context.Context) (sourcePayload, []model.ProviderStatus, []string, bool, error) {
		return sourcePayload{"source": "provider"},
			[]model.ProviderStatus{
				{Name: "defillama:Base", Status: "ok", LatencyMS: 12},
				{Name: "defillama:Linea", Status: "error", LatencyMS: 34},
			},
			[]string{"Linea: discovery failed (timeout); treated as no results"},
			true,
			nil
	})
	if err != nil {
		t.Fatalf("partial results must still succeed: %v", err)
	}
	env := decodeCachePolicyEnvelope(t, stdout)
	if !env.Meta.Partial || len(env.Meta.Providers) != 2 {
		t.Fatalf("expected partial meta with both chains, got %+v", env.Meta)
	}
	if len(state.lastWarnings) != 1 || !state.lastPartial {
		t.Fatalf("expected diagnostics captured for error rendering, got %+v partial=%v", state.lastWarnings, state.lastPartial)
	}
}

func TestRenderErrorCarriesDiagnostics(t *testing.T) {
	state, _ := newCachePolicyTestState(t, time.Minute, 5*time.Minute, false)
	state.captureCommandDiagnostics([]string{"chain linea failed"}, []model.ProviderStatus{{Name: "defillama", Status: "unavailable"}}, true)
	state.renderError("discover", clierr.New(clierr.CodeUnavailable, "provider unavailable").WithHint("retry later"), state.lastWarnings, state.lastProviders, state.lastPartial)

	stderrBuf := state.runner.stderr.(*bytes.Buffer)
	var env struct {
		Success  bool            `json:"success"`
		Warnings []string        `json:"warnings"`
		Error    model.ErrorBody `json:"error"`
		Meta     struct {
			Partial   bool                   `json:"partial"`
			Providers []model.ProviderStatus `json:"providers"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(stderrBuf.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope failed: %v output=%s", err, stderrBuf.String())
	}
	if env.Success || env.Error.Type != "provider_unavailable" || env.Error.Kind != "ProviderError" || env.Error.Hint != "retry later" {
		t.Fatalf("unexpected error body %+v", env.Error)
	}
	if !env.Meta.Partial || len(env.Meta.Providers) != 1 || !containsWarning(env.Warnings, "chain linea failed") {
		t.Fatalf("expected diagnostics in error meta, got %+v", env)
	}
}

func TestShouldOpenCache(t *testing.T) {
	for path, want := range map[string]bool{
		"discover":    true,
		"Resolve":     true,
		"search":      true,
		"tx generate": false,
		"session":     false,
	} {
		if got := shouldOpenCache(path); got != want {
			t.Fatalf("shouldOpenCache(%q)=%v, want %v", path, got, want)
		}
	}
}

func newCachePolicyTestState(t *testing.T, ttl, maxStale time.Duration, noStale bool) (*runtimeState, *bytes.Buffer) {
	t.Helper()
	tmp := t.TempDir()
	store, err := cache.Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	state := &runtimeState{
		runner: &Runner{
			stdout: stdout,
			stderr: stderr,
			now:    time.Now,
		},
		settings: config.Settings{
			OutputMode:   "json",
			Timeout:      2 * time.Second,
			CacheEnabled: true,
			CacheTTL:     ttl,
			MaxStale:     maxStale,
			NoStale:      noStale,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cache:  store,
	}
	return state, stdout
}

func decodeCachePolicyEnvelope(t *testing.T, buf *bytes.Buffer) cachePolicyEnvelope {
	t.Helper()
	var env cachePolicyEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope failed: %v output=%s", err, buf.String())
	}
	return env
}

func containsWarning(warnings []string, target string) bool {
	for _, warning := range warnings {
		if warning == target {
			return true
		}
	}
	return false
}
