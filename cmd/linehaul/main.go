package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/datawerks/linehaul/internal/api"
	"github.com/datawerks/linehaul/internal/app"
	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/engine"
	"github.com/datawerks/linehaul/internal/infra/config"
	"github.com/datawerks/linehaul/internal/infra/logger"
	"github.com/datawerks/linehaul/internal/refdata"
	"github.com/datawerks/linehaul/internal/source"
	"github.com/datawerks/linehaul/internal/store"
	"github.com/datawerks/linehaul/internal/store/postgres"
)

func main() {
	root := &cobra.Command{
		Use:           "linehaul",
		Short:         "Streaming validation engine for large delimited files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(serveCmd(&cfgPath), runCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap wires the shared environment: config, logger, registry backend,
// URL book, and static reference data.
func bootstrap(cfgPath string) (*app.Context, *source.URLBook, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	appCtx := app.NewContext(cfg, log)

	switch cfg.Store.Backend {
	case "postgres":
		reg, err := postgres.New(context.Background(), cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		appCtx.Registry = reg
	default:
		reg, err := store.NewSQLiteRegistry(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		appCtx.Registry = reg
	}

	urls := source.NewURLBook()
	appCtx.Source = source.NewHTTPOpener()
	appCtx.URLs = urls
	appCtx.Refs = refdata.NewStatic(cfg.RefData)

	return appCtx, urls, nil
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job scheduler and HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, urls, err := bootstrap(*cfgPath)
			if err != nil {
				return err
			}
			defer appCtx.Registry.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := engine.NewScheduler(ctx, appCtx)

			// Jobs orphaned by a previous instance become ERROR before any
			// new work starts.
			if err := sched.RecoverStaleJobs(ctx); err != nil {
				appCtx.Logger.Error("stale job recovery failed: %v", err)
			}

			e := echo.New()
			api.RegisterRoutes(e, appCtx, sched, urls)

			srv := &http.Server{
				Addr:    ":" + appCtx.Config.Server.Port,
				Handler: e,
			}

			errCh := make(chan error, 1)
			go func() {
				appCtx.Logger.Info("control API listening on %s", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			appCtx.Logger.Info("shutting down")
			sched.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	var url, name string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate a single file from a URL and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}
			if name == "" {
				name = "cli-upload"
			}

			appCtx, _, err := bootstrap(*cfgPath)
			if err != nil {
				return err
			}
			defer appCtx.Registry.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			job := &domain.Job{
				ID:       ksuid.New().String(),
				FileName: name,
				Status:   domain.StatusQueued,
			}
			job.SourceItemID = job.ID
			if err := appCtx.Registry.Create(ctx, job); err != nil {
				return err
			}

			sched := engine.NewScheduler(ctx, appCtx)
			if !sched.Enqueue(job.ID, url) {
				return fmt.Errorf("could not start job")
			}

			// Block until the runner writes a terminal row.
			for {
				select {
				case <-ctx.Done():
					sched.Shutdown()
				case <-time.After(500 * time.Millisecond):
				}

				current, err := appCtx.Registry.Get(context.Background(), job.ID)
				if err != nil {
					return err
				}
				if current.Status.Terminal() {
					out, _ := json.MarshalIndent(current, "", "  ")
					fmt.Println(string(out))
					if current.Status != domain.StatusDone {
						return fmt.Errorf("job finished with status %s: %s", current.Status, current.ErrorMessage)
					}
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "signed download URL of the file to validate")
	cmd.Flags().StringVar(&name, "name", "", "file name recorded on the job")

	return cmd
}
