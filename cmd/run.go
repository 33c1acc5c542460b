package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/runtime"
	srv "github.com/mohammad-safakhou/stockresearch/internal/server"
)

func runCMD(load loader) *cobra.Command {
	var req research.Request
	var symbols, resume string
	var run = &cobra.Command{
		Use:   "run",
		Short: "Run one research job in-process and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if symbols != "" {
				req.Symbols = strings.Split(symbols, ",")
			}
			req, err = req.Normalize(srv.DepsFrom(cfg).Limits)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			svc, err := runtime.Build(ctx, cfg, runtime.Options{})
			if err != nil {
				return err
			}
			defer svc.Close()

			var job research.Job
			if resume != "" {
				job, err = svc.Store.CreateWithID(resume, req)
			} else {
				job, err = svc.Store.Create(req)
			}
			if err != nil {
				return err
			}
			progress := logging.New("[RUN] ", cfg.General.LogLevel)
			progress.Infof("research id %s", job.ID)
			_, sub, err := svc.Store.Subscribe(job.ID)
			if err != nil {
				return err
			}
			go func() {
				for ev := range sub.Events() {
					progress.Infof("%s: %s", ev.Status, ev.Progress.Label)
				}
			}()
			go func() {
				<-ctx.Done()
				// first interrupt cancels cooperatively at the next boundary,
				// a second one terminates the process
				_, _ = svc.Store.Cancel(job.ID)
				stop()
			}()

			final, err := svc.Orchestrator.Run(context.Background(), job.ID)
			if err != nil {
				return err
			}
			if final.Status != research.StatusCompleted {
				return fmt.Errorf("research %s %s: %s", final.ID, final.Status, final.Error)
			}
			out := final.Result.Report
			if final.Result.Rendered != "" {
				out = final.Result.Rendered
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	f := run.Flags()
	f.StringVar(&req.Topic, "topic", "", "research topic")
	f.StringVar(&symbols, "symbols", "", "comma separated tickers, e.g. AAPL,MSFT")
	f.StringVar(&req.Market, "market", "US", "US, KR or Both")
	f.StringVar(&req.Context, "context", "", "extra context for the rephrase stage")
	f.IntVar(&req.MaxTopics, "max-topics", 0, "maximum sub-topics (0 uses research.default_max_topics)")
	f.StringVar(&req.Language, "language", "", "report language: en or ko")
	f.StringVar(&req.OutputFormat, "format", "markdown", "markdown, html or json")
	f.BoolVar(&req.SkipRephrase, "skip-rephrase", false, "use the topic as given")
	f.StringVar(&resume, "resume", "", "research id of an interrupted run; its checkpointed topic queue is restored")
	_ = run.MarkFlagRequired("topic")
	return run
}
