package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/peripheral"
)

// linkCheckInterval is how often subscribe looks for a dropped link
const linkCheckInterval = 500 * time.Millisecond

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <service-uuid> <char-uuid>",
	Short: "Print characteristic notifications",
	Long: `Connects to a device, enables notifications for a characteristic and
prints every value until Ctrl+C or --duration elapses.

Examples:
  # Heart rate measurements
  gattq subscribe AA:BB:CC:DD:EE:FF 180d 2a37 --hex

  # Stop after a minute
  gattq subscribe AA:BB:CC:DD:EE:FF 180d 2a37 --duration 1m`,
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var (
	subscribeDuration time.Duration
	subscribeHex      bool
	subscribeBuffer   int
)

func init() {
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long (0 runs until Ctrl+C)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string")
	subscribeCmd.Flags().IntVar(&subscribeBuffer, "buffer", 64, "Notifications kept while the terminal is slow; oldest are dropped")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	service, char := args[1], args[2]
	if subscribeBuffer <= 0 {
		return fmt.Errorf("--buffer must be positive")
	}

	cmd.SilenceUsage = true

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := commandContext()
	defer cancel()
	if subscribeDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	p, err := sess.connect(ctx, address)
	if err != nil {
		return err
	}

	sink := peripheral.NewChannelSink(subscribeBuffer)
	defer sink.Close()

	if _, err := p.Subscribe(service, char, sink).Wait(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", char, err)
	}
	sess.logger.WithField("characteristic", char).Info("Subscribed, waiting for notifications")

	err = printNotifications(ctx, cmd, p, sink)

	if p.IsConnected() {
		unsubCtx, unsubCancel := context.WithTimeout(context.Background(), sess.cfg.RequestTimeout+time.Second)
		defer unsubCancel()
		if _, uerr := p.Unsubscribe(service, char).Wait(unsubCtx); uerr != nil {
			sess.logger.WithField("error", uerr).Warn("Failed to unsubscribe")
		}
	}

	if dropped := sink.Dropped(); dropped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d notifications dropped (output too slow)\n", dropped)
	}
	return err
}

// printNotifications prints values until ctx ends or the link drops
func printNotifications(ctx context.Context, cmd *cobra.Command, p *peripheral.Peripheral, sink *peripheral.ChannelSink) error {
	ticker := time.NewTicker(linkCheckInterval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	for {
		select {
		case n := <-sink.C():
			label := fmt.Sprintf("%s #%d", n.ReceivedAt.Format("15:04:05.000"), n.Seq)
			printValue(out, label, n.Data, subscribeHex)
		case <-ticker.C:
			if !p.IsConnected() {
				return ErrConnectionLost
			}
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil
			}
			return ctx.Err()
		}
	}
}
