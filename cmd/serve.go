package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/stockresearch/internal/runtime"
	srv "github.com/mohammad-safakhou/stockresearch/internal/server"
)

func serveCMD(load loader) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the research scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := runtime.Build(ctx, cfg, runtime.Options{})
			if err != nil {
				return err
			}
			// jobs run on their own context so a shutdown can drain them
			jobCtx, cancelJobs := context.WithCancel(context.Background())
			defer cancelJobs()
			api := srv.New(jobCtx, svc.ServerDeps())
			sched := svc.Scheduler()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return api.Start(cfg.Server.Address) })
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				svc.Logger.Infof("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				err := api.Shutdown(shutdownCtx)
				// in-flight model and tool calls are aborted once the grace period ends
				go func() {
					<-shutdownCtx.Done()
					cancelJobs()
				}()
				svc.Orchestrator.Wait()
				return err
			})
			err = g.Wait()
			if cerr := svc.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	return serve
}
