package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orgelaudio/orgelsampler/internal/session"
)

var (
	recordKeyboard  string
	recordTremulant bool
)

var recordCmd = &cobra.Command{
	Use:   "record <register-label>",
	Short: "Record a whole register unattended",
	Long: `Record every note of a register without touching the remote:
the countdown/record cycle runs for each note in the configured range
and advances automatically after each take. Useful when a MIDI player
is keying the organ.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, h, seq, _, err := buildSession(cfg)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return h.Run(ctx, seq.Apply) })
		g.Go(func() error {
			defer stop()
			return runBatch(ctx, h, args[0])
		})

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// batchClient is the hub surface the unattended recorder needs.
type batchClient interface {
	Submit(ctx context.Context, clientID string, cmd session.Command) error
	Connect(clientID string) (<-chan session.Snapshot, func())
}

// runBatch drives one register to completion: select, start, and send
// next after every review until the register is finished. The state
// machine itself stays command-driven; auto-advance is purely client
// behavior.
func runBatch(ctx context.Context, h batchClient, label string) error {
	const clientID = "batch-recorder"

	snapshots, cancel := h.Connect(clientID)
	defer cancel()

	if err := h.Submit(ctx, clientID, session.Command{
		Kind:      session.CmdSelectRegister,
		Keyboard:  recordKeyboard,
		Register:  label,
		Tremulant: recordTremulant,
	}); err != nil {
		return fmt.Errorf("selecting register %q: %w", label, err)
	}
	if err := h.Submit(ctx, clientID, session.Command{Kind: session.CmdStart}); err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			switch snap.Phase {
			case session.PhaseReview:
				for _, ch := range snap.EnabledChannels() {
					if ch.Failed {
						slog.Warn("Channel failed, take incomplete", "channel", ch.ID, "error", ch.Error)
					}
				}
				if err := h.Submit(ctx, clientID, session.Command{Kind: session.CmdNext}); err != nil {
					return fmt.Errorf("advancing: %w", err)
				}
			case session.PhaseFinished:
				slog.Info("Register finished", "register", label,
					"notes", snap.Settings.EndNote-snap.Settings.StartNote+1)
				return nil
			}
		}
	}
}

func init() {
	recordCmd.Flags().StringVarP(&recordKeyboard, "keyboard", "k", "Hoofdwerk", "keyboard the register belongs to")
	recordCmd.Flags().BoolVarP(&recordTremulant, "tremulant", "t", false, "record with tremulant")
}
