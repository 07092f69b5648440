// Command live-watch is a terminal console for human agents: it lists live
// sessions ranked by knowledge gaps, follows one session's feed, and lets the
// agent take it over and reply.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gastownhall/live-relay/internal/gaps"
	"github.com/gastownhall/live-relay/internal/relayclient"
	"github.com/gastownhall/live-relay/internal/wire"
)

type options struct {
	url     string
	api     string
	token   string
	actor   string
	phrases string
	verbose bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "live-watch",
		Short:        "Terminal console for the live relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("LIVE_WATCH_TOKEN")
			}
			if opts.token == "" {
				return fmt.Errorf("--token or LIVE_WATCH_TOKEN is required")
			}
			if opts.api == "" {
				opts.api = apiBaseFromURL(opts.url)
			}
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	pf.StringVar(&opts.api, "api", "", "relay REST base URL (default: derived from --url)")
	pf.StringVar(&opts.token, "token", "", "agent bearer token")
	pf.StringVar(&opts.actor, "actor", "", "your agent id as configured on the relay, e.g. your email")
	pf.StringVar(&opts.phrases, "phrases", "", "YAML gap phrase file, reloaded on change")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(sessionsCmd(opts), watchCmd(opts))
	return root
}

// apiBaseFromURL maps ws://host/ws to http://host.
func apiBaseFromURL(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/ws")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}

// classifierSource returns a getter for the current classifier and a stop
// function. Without a phrase file the built-in phrases are used.
func classifierSource(ctx context.Context, path string) (func() *gaps.Classifier, func(), error) {
	if path == "" {
		c := gaps.NewClassifier(gaps.DefaultPhrases())
		return func() *gaps.Classifier { return c }, func() {}, nil
	}
	w, err := gaps.NewWatcher(path, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	go func() { _ = w.Run(ctx) }()
	return w.Classifier, func() { _ = w.Close() }, nil
}

func sessionsCmd(opts *options) *cobra.Command {
	var include, exclude string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions, most knowledge gaps first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			classify, stop, err := classifierSource(ctx, opts.phrases)
			if err != nil {
				return err
			}
			defer stop()
			return listSessions(ctx, newAPIClient(opts.api, opts.token), classify(), include, exclude, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&include, "include", "", "only sessions whose id matches this regex")
	cmd.Flags().StringVar(&exclude, "exclude", "", "hide sessions whose id matches this regex")
	return cmd
}

func watchCmd(opts *options) *cobra.Command {
	var conversation int
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session's live feed and take it over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.actor == "" {
				return fmt.Errorf("--actor is required to recognise your own takeovers")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			classify, stopWatch, err := classifierSource(ctx, opts.phrases)
			if err != nil {
				return err
			}
			defer stopWatch()

			sessionID := args[0]
			client := relayclient.New(relayclient.Options{
				Endpoint: opts.url,
				Actor:    opts.actor,
				Logger:   slog.Default(),
			})

			// seed ownership so the prompt is right before the socket delivers anything
			snap, err := newAPIClient(opts.api, opts.token).Messages(ctx, sessionID, conversation)
			if err != nil {
				return err
			}
			if snap.TakenOverBy != nil {
				client.Coordinator().Seed(sessionID, *snap.TakenOverBy)
			}
			if conversation == 0 {
				conversation = snap.ConversationNumber
			}

			con := &console{
				sessionID:    sessionID,
				conversation: wire.NormalizeConversation(conversation),
				client:       client,
				transcript:   relayclient.NewTranscript(),
				classify:     classify,
				out:          cmd.OutOrStdout(),
			}
			con.transcript.Attach(client)
			client.On(wire.Wildcard, con.handleEvent)
			// resubscribe whenever the connection comes back
			client.On(wire.EventSessionUpdate, func(ev wire.Event) {
				if ev.SessionID == "" && client.Connected() {
					client.Subscribe(sessionID, con.conversation)
				}
			})

			client.Connect(opts.token)
			defer client.Disconnect()
			con.printf("%s", helpText)
			return con.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().IntVar(&conversation, "conversation", 0, "conversation number (default: latest)")
	return cmd
}
