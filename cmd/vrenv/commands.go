package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/download"
	"github.com/ytget/vrenv/internal/engine"
	"github.com/ytget/vrenv/internal/environment"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
)

const shutdownTimeout = 5 * time.Second

var (
	resolveWait    time.Duration
	metricsAddr    string
	alternateHosts []string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [environment-id]",
	Short: "Print the local path of an environment, downloading it if needed",
	Long: `Resolve an environment to its local path. Without an argument the
environment selected in preferences is used. Downloadable environments
are fetched and unpacked first; the command waits for them up to --wait.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

var selectCmd = &cobra.Command{
	Use:   "select <environment-id>",
	Short: "Save the selected environment in preferences",
	Args:  cobra.ExactArgs(1),
	RunE:  runSelect,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the selected environment available and follow catalog changes",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every known environment and its local state",
	RunE:  showStatus,
}

var engineCmd = &cobra.Command{
	Use:   "engine <url>",
	Short: "Show which browser engine would load a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runEngine,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// isKnown reports whether the catalog lists envID
func isKnown(registry *environment.Registry, envID string) bool {
	if registry.IsBuiltin(envID) {
		return true
	}
	_, ok := registry.ExternalByID(envID)
	return ok
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := newStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	envID := settings.GetEnvironment()
	if len(args) == 1 {
		envID = args[0]
	}
	if !isKnown(st.registry, envID) {
		return fmt.Errorf("unknown environment %q", envID)
	}

	events := st.host.wait()
	st.manager.Start()
	st.manager.Recover()

	if path, ok := st.manager.Resolve(envID); ok {
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}
	if d, ok := pausedJob(st.downloads, st.registry, envID); ok {
		return fmt.Errorf("download %s for %s is paused; run 'vrenv downloads resume %s'", d.ID, envID, d.ID)
	}

	path, err := awaitEnvironment(ctx, st, envID, events, resolveWait)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

// awaitEnvironment waits on host events until envID is ready or fails
func awaitEnvironment(ctx context.Context, st *stack, envID string, events <-chan hostEvent, timeout time.Duration) (string, error) {
	logger.Info("waiting for environment", zap.String("env", envID), zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.err != nil && ev.envID == envID {
				return "", ev.err
			}
			if st.manager.State(envID) == model.EnvStateReady {
				path, _ := st.manager.Resolve(envID)
				return path, nil
			}
		case <-timer.C:
			return "", fmt.Errorf("timed out waiting for %s", envID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// pausedJob finds a paused download holding envID's payload
func pausedJob(downloads *download.Service, registry *environment.Registry, envID string) (model.Download, bool) {
	env, ok := registry.ExternalByID(envID)
	if !ok {
		return model.Download{}, false
	}
	for _, d := range downloads.Jobs() {
		if d.URI == env.Payload && d.Status == model.DownloadStatusPaused {
			return d, true
		}
	}
	return model.Download{}, false
}

func runSelect(cmd *cobra.Command, args []string) error {
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	registry := environment.NewRegistry(settings.GetDataDirectory(), catalog)
	if !isKnown(registry, args[0]) {
		return fmt.Errorf("unknown environment %q", args[0])
	}
	settings.SetEnvironment(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\n", args[0])
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := newStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	st.manager.Start()
	st.manager.Recover()

	unsubscribe := settings.Subscribe(config.KeyEnvironment, func(string) {
		st.manager.ResolveSelected()
	})
	defer unsubscribe()

	if catalogPath != "" {
		watcher := config.NewCatalogWatcher(catalogPath, func(c *config.Catalog) {
			st.registry.Replace(withBuiltins(c))
			settings.SetRemoteProps(c.Fingerprint())
		}, config.WithWatchLogger(logger.Named("catalog")))
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", st.metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	st.manager.ResolveSelected()
	logger.Info("serving environments", zap.String("data_dir", st.root), zap.String("selected", settings.GetEnvironment()))

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

var (
	readyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func styleState(state model.EnvState) string {
	switch state {
	case model.EnvStateReady:
		return readyStyle.Render(state.String())
	case model.EnvStateDownloading, model.EnvStateUnpacking:
		return pendingStyle.Render(state.String())
	default:
		return mutedStyle.Render(state.String())
	}
}

// showStatus reports state from disk and the job table without starting any transfer
func showStatus(cmd *cobra.Command, args []string) error {
	root := settings.GetDataDirectory()
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	registry := environment.NewRegistry(root, catalog)

	var jobs []model.Download
	if platform.FileExists(platform.DatabasePath(root)) {
		store, err := download.NewSQLiteStore(platform.DatabasePath(root))
		if err != nil {
			return err
		}
		defer store.Close()
		if jobs, err = store.List(cmd.Context()); err != nil {
			return err
		}
	}

	selected := settings.GetEnvironment()
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("", "ID", "TITLE", "STATE", "PATH")

	for _, env := range catalog.Builtin {
		t.Row(marker(env.ID, selected), env.ID, env.Title, styleState(model.EnvStateReady), registry.BuiltinPath(env.ID))
	}

	externals := registry.Externals()
	sort.Slice(externals, func(i, j int) bool { return externals[i].ID < externals[j].ID })
	for _, env := range externals {
		state, path := model.EnvStateNotLocal, ""
		if dir, err := registry.EnvPath(env); err == nil && registry.IsExternalReady(env) {
			state, path = model.EnvStateReady, dir
		} else if d, ok := inFlight(jobs, env.Payload); ok {
			state, path = model.EnvStateDownloading, fmt.Sprintf("%d%%", d.Percent())
		}
		t.Row(marker(env.ID, selected), env.ID, env.Title, styleState(state), path)
	}

	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return nil
}

func marker(envID, selected string) string {
	if envID == selected {
		return "*"
	}
	return ""
}

func inFlight(jobs []model.Download, uri string) (model.Download, bool) {
	for _, d := range jobs {
		if d.URI == uri && d.Status.IsInFlight() {
			return d, true
		}
	}
	return model.Download{}, false
}

func runEngine(cmd *cobra.Command, args []string) error {
	selector := engine.NewSelector(func() engine.Options {
		return engine.Options{LayersEnabled: settings.GetLayersEnabled()}
	}, logger.Named("engine"))
	if len(alternateHosts) > 0 {
		selector.Register(engine.NewStaticProvider("alternate", engine.NewAllowList(alternateHosts...)))
	}

	session := selector.Select(args[0])
	defer session.Close()
	if err := session.Open(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s engine for %s (alternate hosts: %s)\n",
		session.Kind(), session.URI(), strings.Join(alternateHosts, ", "))
	return nil
}
