package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/device"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <device-address>",
	Short: "Read the signal strength of a connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runRSSI,
}

// mtuCmd represents the mtu command
var mtuCmd = &cobra.Command{
	Use:   "mtu <device-address> <mtu>",
	Short: "Negotiate the ATT MTU",
	Long: `Connects to a device and requests a larger ATT MTU. The device may grant
less than requested; the negotiated value is printed.`,
	Args: cobra.ExactArgs(2),
	RunE: runMTU,
}

// priorityCmd represents the priority command
var priorityCmd = &cobra.Command{
	Use:       "priority <device-address> <balanced|high|low>",
	Short:     "Request a connection priority",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"balanced", "high", "low"},
	RunE:      runPriority,
}

func runRSSI(cmd *cobra.Command, args []string) error {
	address, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := commandContext()
	defer cancel()

	p, err := sess.connect(ctx, address)
	if err != nil {
		return err
	}

	rssi, err := p.EnqueueReadRSSI().Wait(ctx)
	if err != nil {
		return fmt.Errorf("read RSSI: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s dBm\n", addressColor.Sprint(address), valueColor.Sprint(rssi))
	return nil
}

func runMTU(cmd *cobra.Command, args []string) error {
	address, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	mtu, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid MTU %q: %w", args[1], err)
	}
	cmd.SilenceUsage = true

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := commandContext()
	defer cancel()

	p, err := sess.connect(ctx, address)
	if err != nil {
		return err
	}

	negotiated, err := p.EnqueueRequestMtu(mtu).Wait(ctx)
	if err != nil {
		return fmt.Errorf("request MTU %d: %w", mtu, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: MTU %s (requested %d)\n", addressColor.Sprint(address), valueColor.Sprint(negotiated), mtu)
	return nil
}

func runPriority(cmd *cobra.Command, args []string) error {
	address, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	priority, err := device.ParsePriority(args[1])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := commandContext()
	defer cancel()

	p, err := sess.connect(ctx, address)
	if err != nil {
		return err
	}

	if _, err := p.EnqueueRequestConnectionPriority(priority).Wait(ctx); err != nil {
		return fmt.Errorf("request %s priority: %w", priority, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: connection priority %s\n", addressColor.Sprint(address), valueColor.Sprint(priority))
	return nil
}
