package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-yield/internal/cache"
	"github.com/ggonzalez94/defi-yield/internal/config"
	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
	"github.com/ggonzalez94/defi-yield/internal/metrics"
	"github.com/ggonzalez94/defi-yield/internal/model"
	"github.com/ggonzalez94/defi-yield/internal/out"
	"github.com/ggonzalez94/defi-yield/internal/policy"
	"github.com/ggonzalez94/defi-yield/internal/version"
)

type Runner struct {
	stdout      io.Writer
	stderr      io.Writer
	stdin       io.Reader
	now         func() time.Time
	newPipeline pipelineFactory
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout:      stdout,
		stderr:      stderr,
		stdin:       os.Stdin,
		now:         time.Now,
		newPipeline: buildPipeline,
	}
}

// WithInput replaces stdin for the session and tools call commands.
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.stdin = in
	return r
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	logger        *slog.Logger
	metrics       *metrics.Metrics
	metricsDump   bool
	cache         *cache.Store
	pipe          *pipeline
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, metrics: metrics.New(), logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.Execute())
	if err != nil {
		state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	}
	if state.metricsDump {
		_ = state.metrics.WriteText(r.stderr)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	s.pipe.Close()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Find, rank and prepare deposits into DeFi yield vaults",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = newLogger(settings, s.runner.stderr)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				store, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = store
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.LogFormat, "log-format", "", "Log format (text|json)")
	cmd.PersistentFlags().BoolVar(&s.metricsDump, "metrics-dump", false, "Print provider metrics to stderr on exit")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newResolveCommand())
	cmd.AddCommand(s.newSearchCommand())
	cmd.AddCommand(s.newDiscoverCommand())
	cmd.AddCommand(s.newTxCommand())
	cmd.AddCommand(s.newValidateCommand())
	cmd.AddCommand(s.newQuickCommand())
	cmd.AddCommand(s.newSessionCommand())
	cmd.AddCommand(s.newToolsCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// pipeline builds the provider stack on first use so commands that never
// touch a provider stay cheap.
func (s *runtimeState) pipeline() (*pipeline, error) {
	if s.pipe != nil {
		return s.pipe, nil
	}
	p, err := s.runner.newPipeline(s.settings, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	s.pipe = p
	return p, nil
}

func (s *runtimeState) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout)
}

type fetchFn[T any] func(ctx context.Context) (data T, providerStatus []model.ProviderStatus, warnings []string, partial bool, err error)

// runCached serves fresh cache hits, fetches otherwise, and falls back to a
// stale entry within the max-stale budget when the provider is down.
func runCached[T any](s *runtimeState, commandPath, key string, fetch fetchFn[T]) error {
	s.resetCommandDiagnostics()
	ttl := s.settings.CacheTTL
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var stale T
	staleAvailable := false
	staleStatus := cacheMetaMiss()
	var staleAge time.Duration

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err != nil {
			s.logger.Warn("cache read failed", "command", commandPath, "err", err)
		} else if cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			var data T
			if err := cached.Decode(&data); err == nil {
				if !cached.Stale {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
				stale, staleAvailable, staleStatus, staleAge = data, true, entryStatus, cached.Age
			}
		}
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	data, providerStatus, providerWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	if err != nil {
		if !staleAvailable || !staleFallbackAllowed(err) {
			return err
		}
		if s.settings.NoStale {
			return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and stale fallback is disabled (--no-stale)", err)
		}
		if staleExceedsBudget(staleAge, ttl, s.settings.MaxStale) {
			return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", err)
		}
		s.logger.Warn("serving stale cache entry", "command", commandPath, "age", staleAge, "err", err)
		warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
		s.captureCommandDiagnostics(warnings, providerStatus, false)
		return s.emitSuccess(commandPath, stale, warnings, staleStatus, providerStatus, false)
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if err := s.cache.Set(commandPath, key, data, ttl); err != nil {
			s.logger.Warn("cache write failed", "command", commandPath, "err", err)
		} else {
			cacheStatus = model.CacheStatus{Status: "write"}
		}
	}
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus, partial)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     []any{},
		Error:    errorBody(err),
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorBody(err error) *model.ErrorBody {
	body := &model.ErrorBody{
		Code:    clierr.ExitCode(err),
		Type:    "internal_error",
		Kind:    clierr.KindOf(err),
		Message: err.Error(),
	}
	cErr, ok := clierr.As(err)
	if !ok {
		return body
	}
	body.Message = cErr.Message
	if cErr.Cause != nil {
		body.Message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
	}
	body.Hint = cErr.Hint
	switch cErr.Code {
	case clierr.CodeUsage:
		body.Type = "usage_error"
	case clierr.CodeAuth:
		body.Type = "auth_error"
	case clierr.CodeRateLimited:
		body.Type = "rate_limited"
	case clierr.CodeUnavailable:
		body.Type = "provider_unavailable"
	case clierr.CodeUnsupported:
		body.Type = "unsupported"
	case clierr.CodeStale:
		body.Type = "stale_data"
	case clierr.CodeBlocked:
		body.Type = "command_blocked"
	case clierr.CodeNotFound:
		body.Type = "not_found"
	case clierr.CodeExhausted:
		body.Type = "retries_exhausted"
	case clierr.CodeQuota:
		body.Type = "quota_exceeded"
	}
	return body
}

func newRequestID() string {
	return uuid.NewString()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable, clierr.CodeExhausted:
			return "unavailable"
		case clierr.CodeQuota:
			return "quota_exceeded"
		case clierr.CodeNotFound:
			return "not_found"
		}
	}
	return "error"
}

func providerStatusFor(name string, started time.Time, err error) []model.ProviderStatus {
	return []model.ProviderStatus{{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(started).Milliseconds()}}
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
		"if any flags in the group",
		"at least one of the flags in the group",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl || maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

// Only transient provider failures may be papered over with stale data.
func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case clierr.CodeUnavailable, clierr.CodeRateLimited, clierr.CodeExhausted, clierr.CodeQuota:
		return true
	default:
		return false
	}
}

func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "resolve", "search", "discover":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
