package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scriptsync/api/internal/presence"
)

func newPresenceCmd(opts *options) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Inspect and report user presence",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", envOr("COLLAB_USER", ""), "user id the token belongs to")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users with their derived presence status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			records, err := presence.NewClient(opts.api(), userID).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list presence: %w", err)
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, map[string]any{"users": records})
			}
			for _, r := range records {
				status := faint.Sprint(r.Status)
				switch r.Status {
				case presence.StatusOnline:
					status = green.Sprint(r.Status)
				case presence.StatusIdle:
					status = yellow.Sprint(r.Status)
				}
				fmt.Fprintf(out, "%-8s %s  last seen %s\n", status, r.Email, r.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}

	heartbeat := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send one presence heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			if err := presence.NewClient(opts.api(), userID).Heartbeat(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Heartbeat sent")
			return nil
		},
	}

	offline := &cobra.Command{
		Use:   "offline",
		Short: "Send the offline beacon for --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if err := presence.NewClient(opts.api(), userID).Offline(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Offline beacon sent")
			return nil
		},
	}

	var (
		interval time.Duration
		duration time.Duration
	)
	keepalive := &cobra.Command{
		Use:   "keepalive",
		Short: "Heartbeat until interrupted, then send the offline beacon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			h := presence.NewHeartbeater(presence.NewClient(opts.api(), userID), interval, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "Keeping %s online every %s\n", userID, interval)
			h.Start(ctx)
			<-ctx.Done()
			h.Stop()
			h.Wait()
			fmt.Fprintln(cmd.OutOrStdout(), "Offline beacon sent")
			return nil
		},
	}
	keepalive.Flags().DurationVar(&interval, "interval", presence.DefaultHeartbeatInterval, "heartbeat interval")
	keepalive.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")

	cmd.AddCommand(list, heartbeat, offline, keepalive)
	return cmd
}
