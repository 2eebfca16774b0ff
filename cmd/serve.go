package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orgelaudio/orgelsampler/internal/audio"
	"github.com/orgelaudio/orgelsampler/internal/config"
	"github.com/orgelaudio/orgelsampler/internal/hub"
	"github.com/orgelaudio/orgelsampler/internal/organ"
	"github.com/orgelaudio/orgelsampler/internal/play"
	"github.com/orgelaudio/orgelsampler/internal/sequencer"
	"github.com/orgelaudio/orgelsampler/internal/server"
	"github.com/orgelaudio/orgelsampler/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording server",
	Long: `Run the recording sequencer and the remote-control server.
Any device on the local network can control the session; all connected
clients see the same state. The remote URL is logged at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		state, h, seq, capture, err := buildSession(cfg)
		if err != nil {
			return err
		}

		player := play.New(cfg.Output.Directory)
		srv := server.New(cfg, h, capture, player, stop)
		checkpoints := server.NewCheckpointWriter(cfg.Output.CheckpointDirectory, h)

		slog.Info("Session ready",
			"organ", state.Snapshot().Organ,
			"backend", cfg.Audio.Backend,
			"output", cfg.Output.Directory)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return h.Run(ctx, seq.Apply) })
		g.Go(func() error { return checkpoints.Run(ctx) })
		g.Go(func() error { return srv.Run(ctx) })

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
		slog.Info("Shut down")
		return nil
	},
}

// buildSession assembles the core from the configuration: state, hub,
// sequencer and capture backend, fully wired.
func buildSession(cfg *config.Config) (*session.State, *hub.Hub, *sequencer.Sequencer, audio.Service, error) {
	capture, err := audio.NewService(cfg.Audio.Backend, cfg.Output.Directory)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating capture service: %w", err)
	}

	var channels []session.ChannelState
	for _, ch := range cfg.Channels {
		channels = append(channels, session.ChannelState{
			ID:       ch.ID,
			Position: ch.Position,
			Device:   ch.Device,
			Enabled:  ch.Enabled,
		})
	}

	state := session.New(
		organ.Default(cfg.Organ.Name, cfg.Organ.Keyboards),
		channels,
		session.Settings(cfg.Recording),
	)

	h := hub.New(state)
	library := organ.NewLibrary(cfg.Organ.Dir)
	seq := sequencer.New(state, capture, library, h.Inject)
	return state, h, seq, capture, nil
}
