package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()
			if port == 0 {
				port = a.cfg.Port
			}
			m, err := a.newManager()
			if err != nil {
				return err
			}

			srv := server.New(server.Deps{
				Engine:     a.engine,
				Rules:      a.registry,
				Jobs:       m,
				Violations: a.db,
				Usage:      a.tracker,
				Gatherer:   a.metrics,
				Logger:     a.logger,
				Mode:       a.mode,
			})
			httpSrv := &http.Server{
				Addr:              net.JoinHostPort("", strconv.Itoa(port)),
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       a.cfg.ReadTimeout,
				WriteTimeout:      a.cfg.WriteTimeout,
			}
			return serve(cmd.Context(), a, httpSrv, m)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (TRIALGUARD_PORT)")
	return cmd
}

// janitor is the part of batch.Manager serve drives on shutdown.
type janitor interface {
	RunJanitor(ctx context.Context, interval time.Duration)
	Shutdown(ctx context.Context) error
}

// serve runs httpSrv until ctx ends, then drains requests and batch jobs.
func serve(ctx context.Context, a *app, httpSrv *http.Server, jobs janitor) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go jobs.RunJanitor(janitorCtx, a.cfg.JanitorInterval)

	if n, err := countSubjects(ctx, a.data); err == nil {
		a.logger.Info("serving", "addr", httpSrv.Addr, "rules", a.registry.Snapshot().Len(), "subjects", n, "llm_mode", a.mode)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(httpSrv.Shutdown(shutdownCtx), jobs.Shutdown(shutdownCtx))
}

func countSubjects(ctx context.Context, data clinical.Access) (int, error) {
	ids, err := data.SubjectIDs(ctx)
	return len(ids), err
}
