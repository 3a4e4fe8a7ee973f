package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"lunchd/internal/app"
	"lunchd/internal/archive"
	"lunchd/internal/calendar"
	"lunchd/internal/mail"
	"lunchd/internal/notify"
	logx "lunchd/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the archive and notify loops until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.Open(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				a.Close()
				return errors.Wrap(err, "start")
			}
			a.NotifyReady()

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			a.NotifyStopping()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			err = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return err
		},
	}
}

func newArchiveCmd(cfgPath *string) *cobra.Command {
	var cutoffRaw string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "run one archive cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.Open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rt := a.Runtime()
			cutoff := archive.Cutoff(time.Now().In(rt.Notify.Location), rt.ArchiveEngine.RetentionDays)
			if cutoffRaw != "" {
				cutoff, err = time.ParseInLocation(calendar.DateLayout, cutoffRaw, rt.Primary.Location)
				if err != nil {
					return errors.Wrapf(err, "invalid --cutoff %q", cutoffRaw)
				}
			}

			res, err := a.Engine.RunCycle(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			printArchive(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&cutoffRaw, "cutoff", "", "archive menus dated before this day (YYYY-MM-DD); default is today minus retention_days")
	return cmd
}

func printArchive(w io.Writer, r archive.Result) {
	fmt.Fprintf(w, "cutoff %s: moved %d menus, %d items, %d selections in %d batches (%d merged, %d already archived) in %s\n",
		r.Cutoff.Format(calendar.DateLayout), r.Menus, r.Items, r.Selections, r.Batches, r.Merged, r.Duplicates, r.Took.Round(time.Millisecond))
}

func newNotifyCmd(cfgPath *string) *cobra.Command {
	var (
		kindRaw string
		weekRaw string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "send one batch of reminder or summary mails now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := notify.ParseKind(kindRaw)
			if err != nil {
				return err
			}

			a, err := app.Open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			week, err := resolveWeek(a, weekRaw)
			if err != nil {
				return err
			}

			var rep notify.Report
			if dryRun {
				rt := a.Runtime()
				preview := a.Dispatcher.WithSender(mail.NewLog(a.Logger().With(logx.String("comp", "dry-run")), rt.Mail.Address()))
				rep, err = a.Scheduler.FireWith(cmd.Context(), preview, kind, week)
			} else {
				rep, err = a.Scheduler.Fire(cmd.Context(), kind, week)
			}
			if errors.Is(err, notify.ErrNoMenus) {
				fmt.Fprintf(cmd.OutOrStdout(), "no menus for week %s, nothing sent\n", week)
				return nil
			}
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep, dryRun)
			return rep.Err()
		},
	}
	cmd.Flags().StringVarP(&kindRaw, "kind", "k", "", "notification kind: reminder or summary")
	cmd.Flags().StringVarP(&weekRaw, "week", "w", "", "any day of the target week (YYYY-MM-DD); default is next week")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the messages instead of sending them")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func resolveWeek(a *app.App, raw string) (calendar.Week, error) {
	cfg := a.Scheduler.Config()
	if raw == "" {
		return a.Scheduler.TargetWeek(time.Now()), nil
	}
	day, err := time.ParseInLocation(calendar.DateLayout, raw, cfg.Location)
	if err != nil {
		return calendar.Week{}, errors.Wrapf(err, "invalid --week %q", raw)
	}
	return calendar.Calendar{FirstDay: cfg.FirstDay}.CurrentWeek(day), nil
}

func printReport(w io.Writer, r notify.Report, dryRun bool) {
	mode := "sent"
	if dryRun {
		mode = "logged"
	}
	fmt.Fprintf(w, "%s for week %s: %d recipients, %d %s, %d skipped, %d failed\n",
		r.Kind, r.Week, r.Recipients, r.Sent, mode, r.Skipped, r.Failed)
	for _, err := range r.Errors {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply schema migrations to both stores and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.Open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s (%s) and %s (%s)\n",
				a.Primary.Name(), a.Primary.Path(), a.Archive.Name(), a.Archive.Path())
			return nil
		},
	}
}
