// Command chatguard serves the chat admission and masking pipeline and ships
// local tools for trying the validator and the masking strategies.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/polisai/polis-chatguard/internal/governance"
	"github.com/polisai/polis-chatguard/pkg/config"
	"github.com/polisai/polis-chatguard/pkg/engine"
	"github.com/polisai/polis-chatguard/pkg/llm"
	"github.com/polisai/polis-chatguard/pkg/logging"
	"github.com/polisai/polis-chatguard/pkg/policy/dlp"
	"github.com/polisai/polis-chatguard/pkg/policy/waf"
	"github.com/polisai/polis-chatguard/pkg/storage"
	"github.com/polisai/polis-chatguard/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	gracefulShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

// errRejected makes check exit non-zero without printing a second message.
var errRejected = errors.New("input rejected")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRejected) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatguard",
		Short:         "Admission and PII masking gateway for study-abroad chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMaskCmd(), newCheckCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat endpoint and the admin listener",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("config", "", "Path to the YAML config file (watched for changes)")
	return cmd
}

func newMaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask [text]",
		Short: "Mask PII in text and print the tokens as JSON",
		RunE:  runMask,
	}
	cmd.Flags().StringSlice("strategies", nil, "Masking strategies to run (default all)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Validate text and list every attack pattern it matches",
		RunE:  runCheck,
	}
	cmd.Flags().StringSlice("rules", nil, "Validation rules to apply (default all)")
	return cmd
}

// components is everything serve wires from one config.
type components struct {
	limiter  *governance.RateLimiter
	breaker  *governance.CircuitBreaker
	audit    *storage.MemoryAuditSink
	pipeline *engine.Pipeline
	metrics  *engine.Metrics
	data     http.Handler
	admin    http.Handler
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	rules, err := waf.GlobalRegistry().ResolveAll(cfg.Validation.Rules)
	if err != nil {
		return nil, err
	}
	validator, err := waf.NewValidator(logger, rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build validator: %w", err)
	}

	limiter, err := governance.NewRateLimiter(governance.RateLimiterConfig{
		Bandwidths: governance.WindowBandwidths(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour, cfg.RateLimit.PerDay),
		MaxBuckets: cfg.RateLimit.MaxBuckets,
		IdleTTL:    cfg.RateLimit.IdleTTL,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiter: %w", err)
	}

	masker, err := dlp.GlobalRegistry().Orchestrator(cfg.Masking.Strategies)
	if err != nil {
		return nil, err
	}

	client, breaker, err := llm.FromConfig(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	memory := storage.NewMemoryAuditSink(storage.DefaultMemoryCapacity)
	pipeline, err := engine.NewPipeline(engine.PipelineConfig{
		Validator:    validator,
		Limiter:      limiter,
		Masker:       masker,
		LLM:          client,
		Audit:        storage.NewFanOutSink(storage.NewLogAuditSink(logger), memory),
		Logger:       logger,
		SummaryLimit: cfg.Masking.SummaryLimit,
	})
	if err != nil {
		return nil, err
	}

	metrics := engine.NewMetrics()
	metrics.ObserveRateLimiter(limiter)

	dataMux := http.NewServeMux()
	dataMux.Handle(engine.ChatPath, engine.NewChatHandler(engine.ChatHandlerConfig{
		Pipeline:     pipeline,
		Logger:       logger,
		Metrics:      metrics,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}))

	return &components{
		limiter:  limiter,
		breaker:  breaker,
		audit:    memory,
		pipeline: pipeline,
		metrics:  metrics,
		data:     otelhttp.NewHandler(metrics.MetricsMiddleware(dataMux), "chatguard.data"),
		admin: engine.NewAdminMux(engine.AdminConfig{
			Metrics: metrics,
			Limiter: limiter,
			Breaker: breaker,
			Logger:  logger,
		}),
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	slog.SetDefault(logger)

	var provider *config.FileProvider
	if configPath != "" {
		provider, err = config.NewFileProvider(configPath, logger)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		cfg = provider.Current()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Environment:  cfg.Telemetry.Environment,
		Insecure:     cfg.Telemetry.Insecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		Headers:      cfg.Telemetry.Headers,
		ResourceTags: cfg.Telemetry.ResourceAttributes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.Server.TLS.ServerTLSConfig()
	if err != nil {
		return err
	}

	dataServer := &http.Server{
		Addr:              cfg.Server.DataAddress,
		Handler:           comps.data,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.LLM.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           comps.admin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go serve(logger, dataServer, "data", errCh)
	go serve(logger, adminServer, "admin", errCh)

	if provider != nil {
		countReloadFailures(provider, comps.metrics)
		go watchConfig(ctx, logger, provider.Subscribe(), comps.metrics)
	}

	logger.Info("chatguard started",
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
		"llm_provider", cfg.LLM.Provider,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()
	if err := dataServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("data server shutdown error", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}
	if err := comps.audit.Close(); err != nil {
		logger.Error("audit sink close error", "error", err)
	}

	logger.Info("chatguard stopped")
	return serveErr
}

func serve(logger *slog.Logger, server *http.Server, name string, errCh chan<- error) {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		errCh <- fmt.Errorf("%s listener: %w", name, err)
		return
	}
	logger.Info("listening", "server", name, "address", ln.Addr().String(), "tls", server.TLSConfig != nil)

	if server.TLSConfig != nil {
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// watchConfig applies the settings that can change without a restart.
func watchConfig(ctx context.Context, logger *slog.Logger, updates <-chan *config.Config, metrics *engine.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			applyReload(logger, cfg, metrics)
		}
	}
}

// countReloadFailures records file reloads rejected by validation.
func countReloadFailures(provider *config.FileProvider, metrics *engine.Metrics) {
	provider.OnReloadError(func(error) { metrics.RecordConfigReload("error") })
}

func applyReload(logger *slog.Logger, cfg *config.Config, metrics *engine.Metrics) {
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn("ignoring log level from reloaded config", "error", err)
		metrics.RecordConfigReload("error")
		return
	}
	metrics.RecordConfigReload("success")
	logger.Info("applied reloaded configuration", "log_level", cfg.Logging.Level)
}

// inputText joins args, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

type maskOutput struct {
	Original string            `json:"original"`
	Masked   string            `json:"masked"`
	Tokens   map[string]string `json:"tokens"`
}

func runMask(cmd *cobra.Command, args []string) error {
	text, err := inputText(cmd, args)
	if err != nil {
		return err
	}
	names, _ := cmd.Flags().GetStringSlice("strategies")
	orchestrator, err := dlp.GlobalRegistry().Orchestrator(names)
	if err != nil {
		return err
	}

	result := orchestrator.MaskAll(text)
	tokens := result.Tokens
	if tokens == nil {
		tokens = map[string]string{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(maskOutput{Original: result.Original, Masked: result.Masked, Tokens: tokens})
}

func runCheck(cmd *cobra.Command, args []string) error {
	text, err := inputText(cmd, args)
	if err != nil {
		return err
	}
	ids, _ := cmd.Flags().GetStringSlice("rules")
	rules, err := waf.GlobalRegistry().ResolveAll(ids)
	if err != nil {
		return err
	}
	detector, err := waf.NewDetector(rules)
	if err != nil {
		return err
	}

	report, err := detector.Evaluate(cmd.Context(), text)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, m := range report.Matches {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t[%d:%d]\n", m.Rule, m.Threat, m.Severity, m.Action, m.Start, m.End)
	}
	if report.Blocked {
		fmt.Fprintln(out, "REJECTED")
		return errRejected
	}
	fmt.Fprintln(out, "OK")
	return nil
}
