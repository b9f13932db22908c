package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/agentfeed/internal/config"
	"github.com/syntrixbase/agentfeed/internal/engine"
	"github.com/syntrixbase/agentfeed/internal/logging"
	"github.com/syntrixbase/agentfeed/internal/services"
	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/pkg/model"
)

const shutdownTimeout = 10 * time.Second

type tailOptions struct {
	topic     string
	token     string
	filter    string
	transport string
	directory string
	params    map[string]string
	count     int
	status    bool
}

var tailOpts tailOptions

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the events of one topic as JSON lines",
	Example: `  agentfeed tail --topic ses_123
  agentfeed tail --topic ses_123 --filter 'event.type.startsWith("session.")'
  agentfeed tail --topic ses_123 --transport relayed --count 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tailOpts.token == "" {
			tailOpts.token = os.Getenv("AGENTFEED_TOKEN")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTail(ctx, configDir, tailOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	f := tailCmd.Flags()
	f.StringVarP(&tailOpts.topic, "topic", "t", "", "Topic key to follow (required)")
	f.StringVar(&tailOpts.token, "token", "", "Access token (default $AGENTFEED_TOKEN)")
	f.StringVarP(&tailOpts.filter, "filter", "f", "", "CEL expression over `event`")
	f.StringVar(&tailOpts.transport, "transport", "", "Override the configured transport")
	f.StringVar(&tailOpts.directory, "directory", "", "Agent working directory (direct transport)")
	f.StringToStringVarP(&tailOpts.params, "param", "p", nil, "Extra transport parameter key=value (repeatable)")
	f.IntVarP(&tailOpts.count, "count", "n", 0, "Exit after this many events (0 follows forever)")
	f.BoolVar(&tailOpts.status, "status", false, "Print status changes to stderr as JSON lines")
	_ = tailCmd.MarkFlagRequired("topic")
}

// statusLine is the stderr record of a status change.
type statusLine struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func runTail(ctx context.Context, dir string, opts tailOptions, stdout, stderr io.Writer) error {
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return err
	}
	if opts.transport != "" {
		cfg.Engine.Transport = transport.Kind(opts.transport)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if opts.directory != "" {
		cfg.SSE.Directory = opts.directory
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logging.Shutdown() }()
	logger := slog.Default()

	mgr := services.NewManager(cfg, services.Options{}, logger)
	if err := mgr.Init(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mgr.Shutdown(sctx)
	}()
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	subOpts := engine.Options{
		Filter: opts.filter,
		Params: opts.params,
	}
	if opts.status {
		statusEnc := json.NewEncoder(stderr)
		subOpts.OnStatus = func(c model.StatusChange) {
			_ = statusEnc.Encode(statusLine{Status: c.Status.String(), Reason: c.Reason})
		}
	}

	sub, err := mgr.Engine().Subscribe(ctx, opts.topic, opts.token, subOpts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer sub.Close()
	logger.Info("Following topic", "topicKey", opts.topic, "streamId", sub.StreamID())

	enc := json.NewEncoder(stdout)
	seen := 0
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return sub.Err()
			}
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
		seen++
		if opts.count > 0 && seen >= opts.count {
			return nil
		}
	}
}
