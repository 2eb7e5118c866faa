package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/signalsifter/sifter"
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage the channel registry",
	}

	var platform, externalID, name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a channel to ingest",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			ch, err := svc.AddChannel(ctx, platform, externalID, name)
			if err != nil {
				return err
			}
			return a.printJSON(ch)
		},
	}
	add.Flags().StringVar(&platform, "platform", "", "telegram or discord")
	add.Flags().StringVar(&externalID, "external-id", "", "chat id or @username (telegram), guild/channel (discord)")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.MarkFlagRequired("platform")
	add.MarkFlagRequired("external-id")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered channels",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			chs, err := svc.ListChannels(ctx, !all)
			if err != nil {
				return err
			}
			if chs == nil {
				chs = []*sifter.Channel{}
			}
			return a.printJSON(chs)
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include deactivated channels")

	deactivate := &cobra.Command{
		Use:   "deactivate <channel>",
		Short: "Stop ingesting a channel; its history is kept",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			ch, err := svc.DeactivateChannel(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(ch)
		},
	}

	cmd.AddCommand(add, list, deactivate)
	return cmd
}

func (a *app) ingestCmd() *cobra.Command {
	var req sifter.IngestRequest
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch new messages from active channels",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			res, err := svc.Ingest(ctx, req)
			if len(res) > 0 {
				if perr := a.printJSON(res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.Channel, "channel", "", "channel id or platform:external_id (default: all active)")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max messages per channel (default from config)")
	cmd.Flags().BoolVar(&req.NoMedia, "no-media", false, "skip attachment downloads")
	return cmd
}

func (a *app) enrichCmd() *cobra.Command {
	var req sifter.EnrichRequest
	var reprocess bool
	var channel string
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Extract entities and OCR text from unprocessed messages",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case reprocess && channel == "":
				return fmt.Errorf("%w: --reprocess needs --channel", sifter.ErrInvalidInput)
			case !reprocess && channel != "":
				return fmt.Errorf("%w: --channel only applies with --reprocess", sifter.ErrInvalidInput)
			}
			if reprocess {
				req.Reprocess = channel
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			res, err := svc.Enrich(ctx, req)
			if res != nil {
				if perr := a.printJSON(res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "messages per batch (default from config)")
	cmd.Flags().BoolVar(&req.All, "all", false, "run batches until nothing is left")
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "enrich the messages of --channel again")
	cmd.Flags().StringVar(&channel, "channel", "", "channel id or platform:external_id to reprocess")
	return cmd
}

func (a *app) analyzeCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Summarize unanalyzed messages within the request quota",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			runs, err := svc.Analyze(ctx, channel)
			if len(runs) > 0 {
				if perr := a.printJSON(runs); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id or platform:external_id (default: all active)")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-channel counts, quota and held locks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			st, err := svc.Status(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(st)
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over stored messages",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			hits, err := svc.Search(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if hits == nil {
				hits = []*sifter.SearchResult{}
			}
			return a.printJSON(hits)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func (a *app) runsCmd() *cobra.Command {
	var channel string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List analysis runs, or show one with its report",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			if len(args) == 1 {
				run, err := svc.Run(ctx, args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("%w: run %q not found", sifter.ErrInvalidInput, args[0])
				}
				return a.printJSON(run)
			}
			runs, err := svc.Runs(ctx, channel, limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []*sifter.AnalysisRun{}
			}
			return a.printJSON(runs)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "only runs of this channel")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs listed")
	return cmd
}

func (a *app) dashboardCmd() *cobra.Command {
	var req sifter.ActivityRequest
	var dir string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Rank channels by engagement for a day and write the Markdown report",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			if asJSON {
				rep, err := svc.Activity(ctx, req)
				if err != nil {
					return err
				}
				return a.printJSON(rep)
			}
			path, rep, err := svc.Dashboard(ctx, req, dir)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"path": path, "channels": len(rep.Channels), "totals": rep.Totals})
		},
	}
	cmd.Flags().StringVar(&req.Day, "day", "", "day to report, YYYY-MM-DD in the analysis timezone (default today)")
	cmd.Flags().IntVar(&req.MinMessages, "min-messages", 0, "messages a channel needs to be ranked (default from config)")
	cmd.Flags().StringVar(&dir, "dir", "", "report directory (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON instead of writing Markdown")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var req sifter.ExportRequest
	var since, until string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write each channel's messages and entities to a Markdown document",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.Since, err = parseWhen(since); err != nil {
				return err
			}
			if req.Until, err = parseWhen(until); err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			res, err := svc.Export(ctx, req)
			if len(res) > 0 || err == nil {
				if perr := a.printJSON(res); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.Channel, "channel", "", "channel id or platform:external_id (default: every channel)")
	cmd.Flags().StringVar(&since, "since", "", "first day or instant to include (YYYY-MM-DD or RFC 3339, UTC)")
	cmd.Flags().StringVar(&until, "until", "", "first day or instant to leave out (YYYY-MM-DD or RFC 3339, UTC)")
	cmd.Flags().StringVar(&req.Dir, "dir", "", "output directory (default from config)")
	return cmd
}

// parseWhen reads a date or RFC 3339 instant as Unix ms. Empty is zero.
func parseWhen(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("%w: %q is neither YYYY-MM-DD nor RFC 3339", sifter.ErrInvalidInput, s)
}

func (a *app) serveCmd() *cobra.Command {
	var listen string
	var withSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API and the MCP tools under /mcp",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = svc.Config().Listen
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			srv := &http.Server{
				Addr:              listen,
				Handler:           svc.Mux(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 2)
			go func() {
				a.logger.Info("serve: listening", "addr", listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()
			if withSchedule {
				go func() {
					if err := svc.Schedule(ctx); err != nil {
						errc <- err
					}
				}()
			}

			select {
			case <-ctx.Done():
			case err = <-errc:
				cancel()
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			a.logger.Info("serve: stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&withSchedule, "schedule", false, "also run the scheduled jobs")
	return cmd
}

func (a *app) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run ingest, enrich and analyze on their cron schedules",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			return svc.Schedule(cmd.Context())
		},
	}
}

func (a *app) discordLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discord-login",
		Short: "Open a browser to sign in to Discord once; interrupt to save the session",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			return svc.DiscordLogin(cmd.Context())
		},
	}
}
