package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksi-dev/ksid/internal/agentsvc"
	"github.com/ksi-dev/ksid/internal/completion"
	"github.com/ksi-dev/ksid/internal/composition"
	"github.com/ksi-dev/ksid/internal/config"
	"github.com/ksi-dev/ksid/internal/discovery"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/orchestration"
	"github.com/ksi-dev/ksid/internal/provider"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/server"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/internal/tracker"
	"github.com/ksi-dev/ksid/internal/transport"
	"github.com/ksi-dev/ksid/pkg/types"
)

var (
	serveDir       string
	serveDebugPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ksid daemon",
	Long: `Start ksid as a long-running daemon. It listens for length-prefixed
JSON events on a local stream socket and exposes a debug-only HTTP+SSE
surface for discovery and live log tailing.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory (config, compositions, sandboxes resolve relative to this)")
	serveCmd.Flags().IntVar(&serveDebugPort, "debug-port", 0, "Override the debug HTTP server port (0 uses the default)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting ksid")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	rt := router.New(st)
	tr := tracker.New(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providerReg, err := provider.InitializeProviders(ctx, cfg)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}

	loader := composition.NewLoader(cfg.CompositionRoot)
	if err := loader.LoadAll(); err != nil {
		logging.Warn().Err(err).Msg("failed to load some compositions")
	}
	compIndex := composition.NewIndex(loader, st)
	if n, err := compIndex.Rebuild(); err != nil {
		logging.Warn().Err(err).Msg("failed to rebuild composition index")
	} else {
		logging.Info().Int("count", n).Msg("composition index built")
	}
	compSvc := composition.New(rt, loader, compIndex)
	compSvc.RegisterHandlers()

	agentRegistry := agentsvc.NewRegistry(st)
	agentCfg := agentsvc.Config{SandboxRoot: cfg.SandboxRoot}
	agentService := agentsvc.New(rt, tr, agentRegistry, loader, agentCfg)
	agentService.RegisterHandlers()
	defer agentService.Stop()

	checker := agentsvc.NewChecker(agentRegistry)
	rt.SetCapabilityChecker(checker)

	orchRegistry := orchestration.NewRegistry(st)
	orchService := orchestration.New(rt, orchRegistry, loader)
	orchService.RegisterHandlers()
	defer orchService.Stop()
	rt.SetScopeChecker(orchRegistry)

	completionSvc := completion.New(rt, tr, providerReg, st, cfg.Completion)
	completionSvc.SetCapabilityChecker(checker)
	completionSvc.RegisterHandlers()
	defer completionSvc.Stop()
	if err := completionSvc.Reconcile(); err != nil {
		logging.Warn().Err(err).Msg("failed to reconcile completion state from previous run")
	}

	discoverySvc := discovery.New(rt)
	discoverySvc.RegisterHandlers()

	debugCfg := server.DefaultConfig()
	if serveDebugPort != 0 {
		debugCfg.Port = serveDebugPort
	}
	debugSrv := server.New(debugCfg, rt)

	// A client-originated dispatch carries no parent context or agent
	// identity; only agentsvc's internal inbox loop sets those.
	dispatch := func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		return rt.Dispatch(ctx, nil, "", clientID, name, data)
	}
	transportServer := transport.New(cfg.SocketPath, dispatch, rt)
	go func() {
		logging.Info().Str("socket", cfg.SocketPath).Msg("transport listening")
		if err := transportServer.Serve(ctx); err != nil && err != context.Canceled {
			logging.Error().Err(err).Msg("transport server stopped")
		}
	}()

	go func() {
		logging.Info().Int("port", debugCfg.Port).Msg("debug server listening")
		if err := debugSrv.Start(); err != nil {
			logging.Warn().Err(err).Msg("debug server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down ksid")
	cancel()

	if err := transportServer.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing transport server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := debugSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("error shutting down debug server")
	}

	logging.Info().Msg("ksid stopped")
	return nil
}
