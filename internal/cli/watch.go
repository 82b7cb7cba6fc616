package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"scriptsync/api/internal/broadcast"
)

func newWatchCmd(opts *options) *cobra.Command {
	var (
		scope string
		count int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the live event channel of a script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}
			redisOpts, err := redis.ParseURL(opts.redisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			rdb := redis.NewClient(redisOpts)
			defer rdb.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sub, err := broadcast.NewRedisTransport(rdb).Subscribe(ctx, broadcast.Topic(scope))
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			if !opts.jsonOutput {
				faint.Fprintf(out, "Watching %s\n", broadcast.Topic(scope))
			}
			seen := 0
			for payload := range sub.Messages() {
				event, err := broadcast.Decode(payload)
				if err != nil {
					yellow.Fprintf(out, "skipping malformed event: %v\n", err)
					continue
				}
				if opts.jsonOutput {
					if err := outputJSON(out, event); err != nil {
						return err
					}
				} else {
					printEvent(out, event)
				}
				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
			return ctx.Err()
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "script id whose channel to watch")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 watches until interrupted)")
	return cmd
}

func printEvent(w io.Writer, e broadcast.Event) {
	who := e.Email
	if who == "" {
		who = e.UserID
	}
	fmt.Fprintf(w, "%s %s %s", faint.Sprint(e.Timestamp.Format(time.TimeOnly)), cyan.Sprint(e.Type), who)
	switch e.Type {
	case broadcast.TypePositionUpdate:
		fmt.Fprintf(w, " %s -> (%.0f, %.0f)", e.NodeID, e.Position.X, e.Position.Y)
	case broadcast.TypePositionsBatch:
		fmt.Fprintf(w, " %d nodes", len(e.Positions))
	case broadcast.TypeNodeAdded:
		fmt.Fprintf(w, " %s", e.Node.ID)
	case broadcast.TypeEdgeAdded:
		fmt.Fprintf(w, " %s (%s -> %s)", e.Edge.ID, e.Edge.Source, e.Edge.Target)
	case broadcast.TypeEdgeDeleted:
		fmt.Fprintf(w, " %s", e.EdgeID)
	case broadcast.TypeNodeFocus:
		if e.NodeID == "" {
			fmt.Fprint(w, " left focus")
		} else {
			fmt.Fprintf(w, " %s", e.NodeID)
		}
	default:
		fmt.Fprintf(w, " %s", e.NodeID)
	}
	fmt.Fprintln(w)
}
