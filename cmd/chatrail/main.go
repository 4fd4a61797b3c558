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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chatrail/chatrail/pkg/config"
	"github.com/chatrail/chatrail/pkg/engine"
	"github.com/chatrail/chatrail/pkg/persistence/convcache"
	"github.com/chatrail/chatrail/pkg/push"
	"github.com/chatrail/chatrail/pkg/redisstream"
	"github.com/chatrail/chatrail/pkg/session"
	"github.com/chatrail/chatrail/pkg/transport"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "chatrail",
		Short: "Conversational session engine for the messaging widget",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")

	root.AddCommand(newReplayCommand())
	root.AddCommand(newSendCommand())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
	return nil
}

// fileStreamer replays a captured stream payload instead of calling the
// backend. Each send consumes the same capture.
type fileStreamer struct {
	path string
}

func (f *fileStreamer) OpenStream(_ context.Context, _ transport.SendRequest) (io.ReadCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture %s", f.path)
	}
	return file, nil
}

func newReplayCommand() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "replay <capture-file>",
		Short: "Feed a captured stream payload through the engine and print the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := session.NewStore("")
			o, err := engine.New("replay", &fileStreamer{path: args[0]}, store, session.NewTakeoverMachine(store, nil), nil, engine.Options{})
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Send(cmd.Context(), message, nil); err != nil {
				return err
			}
			if err := waitIdle(cmd.Context(), o, 30*time.Second); err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), store)
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "(replayed user message)", "user message the capture answers")
	return cmd
}

func newSendCommand() *cobra.Command {
	var (
		message        string
		conversationID string
		waitFor        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message against the configured backend and print the transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := transport.NewClient(cfg.API.BaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			cache, err := openCache(cfg.Cache)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			store, err := restoreStore(ctx, cache, conversationID)
			if err != nil {
				return err
			}
			machine := session.NewTakeoverMachine(store, client)

			pusher, err := buildPusher(cfg.Push, store, machine)
			if err != nil {
				return err
			}

			o, err := engine.New(cfg.API.AgentID, client, store, machine, pusher, engine.Options{
				ReadGrace: cfg.Engine.ReadGrace,
				LeadID:    cfg.API.LeadID,
			})
			if err != nil {
				return err
			}
			defer o.Close()

			if err := o.Send(ctx, message, nil); err != nil {
				return err
			}
			if err := waitIdle(ctx, o, waitFor); err != nil {
				return err
			}

			if err := cache.Save(ctx, store.Snapshot()); err != nil {
				log.Warn().Err(err).Msg("failed to cache conversation snapshot")
			}
			printTranscript(cmd.OutOrStdout(), store)
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "message to send (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "durable conversation id to resume")
	cmd.Flags().DurationVar(&waitFor, "wait", 60*time.Second, "how long to wait for the reply stream")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func openCache(cfg config.CacheSettings) (convcache.Cache, error) {
	if cfg.Path == "" {
		return convcache.NewMemoryCache(), nil
	}
	dsn, err := convcache.SQLiteDSNForFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	return convcache.NewSQLiteCache(dsn)
}

func restoreStore(ctx context.Context, cache convcache.Cache, conversationID string) (*session.Store, error) {
	if conversationID == "" {
		return session.NewStore(""), nil
	}
	conv, ok, err := cache.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return session.NewStore(conversationID), nil
	}
	log.Info().Str("conv_id", conversationID).Int("messages", len(conv.Messages)).Msg("restored conversation from cache")
	return session.NewStoreFromSnapshot(conv), nil
}

func buildPusher(cfg config.PushSettings, store *session.Store, machine *session.TakeoverMachine) (*push.Subscriber, error) {
	switch cfg.Mode {
	case config.PushModeNone:
		return nil, nil
	case config.PushModeWebsocket:
		source, err := push.NewWebsocketSubscriber(cfg.WebsocketEndpoint)
		if err != nil {
			return nil, err
		}
		return push.NewSubscriber(source, store, machine)
	case config.PushModeRedis:
		source, err := redisstream.BuildSubscriber(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return push.NewSubscriber(source, store, machine)
	}
	return nil, errors.Errorf("unknown push mode %q", cfg.Mode)
}

func waitIdle(ctx context.Context, o *engine.Orchestrator, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("timed out waiting for the reply stream")
		case <-tick.C:
			if !o.IsStreaming() {
				return nil
			}
		}
	}
}

func printTranscript(w io.Writer, store *session.Store) {
	fmt.Fprintf(w, "conversation %s (%s)\n", store.ConversationID(), store.Status())
	for _, m := range store.Messages() {
		speaker := "assistant"
		if m.Role == session.RoleUser {
			speaker = "user"
		}
		if m.IsHuman {
			speaker = "agent"
		}
		if m.IsSystemNotice {
			speaker = "notice"
		}
		marker := ""
		if m.Failed {
			marker = " [failed]"
		}
		fmt.Fprintf(w, "  %-9s %s%s\n", speaker+":", m.Content, marker)
		for _, qr := range m.QuickReplies {
			fmt.Fprintf(w, "            ↳ quick reply: %s\n", qr)
		}
		for _, src := range m.Sources {
			fmt.Fprintf(w, "            ↳ source: %s\n", src.URL)
		}
	}
}
