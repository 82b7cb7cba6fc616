// Package cli implements collabctl, an operator tool for the collaboration
// API: inspect and release node locks, check presence, mint dev tokens and
// tail the broadcast channel of a script.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"scriptsync/api/internal/apiclient"
)

type options struct {
	server     string
	token      string
	redisURL   string
	jsonOutput bool
}

// NewRootCmd builds a fresh command tree. Each call owns its flag values.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "collabctl",
		Short: "collabctl - operate the script collaboration service",
		Long: `collabctl talks to the collaboration API to list and release node
locks, inspect presence, issue development tokens, and tail the live event
channel of a script.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("COLLAB_SERVER", "http://localhost:8787"), "collaboration API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("COLLAB_TOKEN"), "bearer token")
	flags.StringVar(&opts.redisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379/0"), "Redis URL for the event channel")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newLocksCmd(opts),
		newPresenceCmd(opts),
		newTokenCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		red.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func (o *options) api() *apiclient.Client {
	return apiclient.New(o.server, o.token, nil)
}

func (o *options) requireToken() error {
	if o.token == "" {
		return fmt.Errorf("a token is required: pass --token or set COLLAB_TOKEN")
	}
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
