package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/download"
	"github.com/ytget/vrenv/internal/environment"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
)

var downloadsWait time.Duration

var downloadsCmd = &cobra.Command{
	Use:   "downloads",
	Short: "List and control environment downloads",
}

var downloadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every tracked download",
	Args:  cobra.NoArgs,
	RunE:  listDownloads,
}

var downloadsPauseCmd = &cobra.Command{
	Use:   "pause <download-id>",
	Short: "Pause a download and keep its partial file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var downloadsResumeCmd = &cobra.Command{
	Use:   "resume <download-id>",
	Short: "Resume a paused download and wait for its environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var downloadsCancelCmd = &cobra.Command{
	Use:   "cancel <download-id>",
	Short: "Cancel a download and forget it",
	Long: `Cancel a pending, running or paused download. The partial file and the
stored record are removed so the environment can be requested again.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	downloadsResumeCmd.Flags().DurationVar(&downloadsWait, "wait", 10*time.Minute, "How long to wait for the download to finish")

	downloadsCmd.AddCommand(downloadsListCmd)
	downloadsCmd.AddCommand(downloadsPauseCmd)
	downloadsCmd.AddCommand(downloadsResumeCmd)
	downloadsCmd.AddCommand(downloadsCancelCmd)
}

func listDownloads(cmd *cobra.Command, args []string) error {
	root := settings.GetDataDirectory()
	if !platform.FileExists(platform.DatabasePath(root)) {
		fmt.Fprintln(cmd.OutOrStdout(), "No downloads")
		return nil
	}
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	registry := environment.NewRegistry(root, catalog)

	store, err := download.NewSQLiteStore(platform.DatabasePath(root))
	if err != nil {
		return err
	}
	defer store.Close()
	jobs, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No downloads")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "ENVIRONMENT", "STATUS", "PROGRESS", "ERROR")
	for _, d := range jobs {
		envID := ""
		if env, ok := registry.ExternalByPayload(d.URI); ok {
			envID = env.ID
		}
		t.Row(d.ID, envID, styleDownload(d.Status), fmt.Sprintf("%d%%", d.Percent()), d.LastError)
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return nil
}

func styleDownload(status model.DownloadStatus) string {
	switch status {
	case model.DownloadStatusSuccessful:
		return readyStyle.Render(string(status))
	case model.DownloadStatusPending, model.DownloadStatusRunning:
		return pendingStyle.Render(string(status))
	default:
		return mutedStyle.Render(string(status))
	}
}

func runPause(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := newStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.downloads.Pause(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", args[0])
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := newStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	d, ok := st.downloads.Get(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", download.ErrNotFound, args[0])
	}
	env, known := st.registry.ExternalByPayload(d.URI)
	if !known {
		// Nobody unpacks it, so just finish the transfer
		rec, err := resumeDownload(ctx, st.downloads, d.ID, downloadsWait)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.ID, rec.Status)
		return nil
	}

	events := st.host.wait()
	st.manager.Start()
	if err := st.downloads.Resume(d.ID); err != nil {
		return err
	}
	path, err := awaitEnvironment(ctx, st, env.ID, events, downloadsWait)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := newStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := cancelDownload(ctx, st.downloads, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
	return nil
}

// resumeDownload restarts a paused download and waits for it to finish
func resumeDownload(ctx context.Context, svc *download.Service, id string, timeout time.Duration) (model.Download, error) {
	if err := svc.Resume(id); err != nil {
		return model.Download{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return svc.Wait(ctx, id)
}

// cancelDownload stops id if it is still active and drops its record and
// partial file. Finished downloads are dropped as well.
func cancelDownload(ctx context.Context, svc *download.Service, id string) error {
	err := svc.Cancel(id)
	if err != nil && !errors.Is(err, download.ErrNotActive) {
		return err
	}
	if _, err := svc.Wait(ctx, id); err != nil && !errors.Is(err, download.ErrNotFound) {
		return err
	}
	if err := svc.Remove(id, true); err != nil && !errors.Is(err, download.ErrNotFound) {
		return err
	}
	logger.Info("download cancelled", zap.String("download", id))
	return nil
}
