package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/ent0n29/callbridge/internal/callcontrol"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/precall"
	"github.com/ent0n29/callbridge/internal/provider"
	"github.com/ent0n29/callbridge/internal/reporting"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/tools"
	"github.com/ent0n29/callbridge/internal/transport"
	"github.com/ent0n29/callbridge/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *voice.Orchestrator
	// Framed is nil when FRAMED_LISTEN_ADDR is empty.
	Framed  *transport.FramedListener
	Metrics *observability.Metrics

	logger *slog.Logger

	// Cleanup should be called on shutdown to release external resources (DB, listeners).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	reports, err := reporting.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("report store init failed: %w", err)
	}

	precallMode, err := precall.ParseMode(cfg.PrecallMode)
	if err != nil {
		_ = reports.Close()
		return nil, err
	}
	var lookups []precall.Lookup
	if strings.TrimSpace(cfg.PrecallStaticVars) != "" {
		vars, err := precall.ParseStatic(cfg.PrecallStaticVars)
		if err != nil {
			_ = reports.Close()
			return nil, fmt.Errorf("PRECALL_STATIC_VARS: %w", err)
		}
		lookups = append(lookups, precall.NewStaticLookup("static", vars))
	}

	ctrl := callController(cfg, logger)
	registry := tools.NewRegistry(tools.Builtins(ctrl, cfg.TransferAllowedDestinations)...)

	orchestrator, err := voice.NewOrchestrator(session.NewStore(cfg.SessionMaxConcurrent, logger), voice.Options{
		Providers:       provider.NewFactory(providerSettings(cfg), logger),
		DefaultProvider: cfg.Provider,
		Tools:           registry,
		EnabledTools:    cfg.ToolsEnabled,
		ToolTimeout:     cfg.ToolTimeout,
		Turn:            turnConfig(cfg),
		Precall:         precall.NewRunner(precallMode, cfg.PrecallTimeout, logger, lookups...),
		Reports:         reports,
		RedactReports:   cfg.ReportRedactPII,
		Instructions:    cfg.AgentInstructions,
		Greeting:        cfg.AgentGreeting,
		ExpectTimeout:   cfg.FramedAcceptTimeout,
		ShutdownGrace:   cfg.ForceGrace,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		_ = reports.Close()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	var framed *transport.FramedListener
	if cfg.FramedListenAddr != "" {
		framed, err = transport.ListenFramed(cfg.FramedListenAddr, cfg.FramedAcceptTimeout, logger)
		if err != nil {
			_ = reports.Close()
			return nil, err
		}
	}

	api := httpapi.New(cfg, orchestrator, metrics, logger)

	cleanup := func() error {
		var errs []error
		if framed != nil {
			if err := framed.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := reports.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Framed:       framed,
		Metrics:      metrics,
		logger:       logger,
		Cleanup:      cleanup,
	}, nil
}

// ServeMedia accepts framed media connections and hands each one to the
// orchestrator. It returns when ctx is cancelled or the listener fails.
func (b *BuildResult) ServeMedia(ctx context.Context) error {
	if b.Framed == nil {
		<-ctx.Done()
		return nil
	}
	b.logger.Info("framed media listening", "addr", b.Framed.Addr().String())
	err := b.Framed.Serve(ctx, func(conn *transport.Framed) {
		if err := b.Orchestrator.AttachFramed(ctx, conn); err != nil {
			b.logger.Warn("framed media rejected", "call_id", conn.CallID(), "error", err)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// callController talks to the PBX REST interface, or only logs commands when
// none is configured.
func callController(cfg config.Config, logger *slog.Logger) callcontrol.Controller {
	if strings.TrimSpace(cfg.ARIURL) == "" {
		logger.Warn("ARI_URL not set; call control commands are logged only")
		return callcontrol.DryRun{Logger: logger}
	}
	return callcontrol.NewARIClient(callcontrol.ARIConfig{
		BaseURL:          cfg.ARIURL,
		Username:         cfg.ARIUsername,
		Password:         cfg.ARIPassword,
		TransferContext:  cfg.ARITransferContext,
		VoicemailContext: cfg.ARIVoicemailContext,
	}, logger)
}
