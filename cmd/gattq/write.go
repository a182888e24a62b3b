package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/peripheral"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <char-uuid> <hex-data>",
	Short: "Write a characteristic value",
	Long: `Connects to a device and writes hex encoded data to a characteristic.

Payloads longer than the link allows can be split with --chunked; chunks are
sized to the negotiated MTU and sent back to back.

Examples:
  # Write with response
  gattq write AA:BB:CC:DD:EE:FF 1815 2a56 0x01

  # Write without response, in MTU sized chunks
  gattq write AA:BB:CC:DD:EE:FF ffe0 ffe1 "00 11 22 33 44" --no-response --chunked`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeNoResponse bool
	writeChunked    bool
	writeMTU        int
	writeTimeout    time.Duration
)

func init() {
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Write without response")
	writeCmd.Flags().BoolVar(&writeChunked, "chunked", false, "Split the payload into MTU sized writes")
	writeCmd.Flags().IntVar(&writeMTU, "mtu", 0, "Negotiate this MTU before a chunked write")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 0, "Request timeout (default from config request_timeout)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	service, char := args[1], args[2]

	data, err := parseHexPayload(args[3])
	if err != nil {
		return err
	}
	if writeMTU != 0 {
		if !writeChunked {
			return fmt.Errorf("--mtu only applies to --chunked writes")
		}
		if writeMTU < peripheral.DefaultMTU || writeMTU > peripheral.MaxMTU {
			return fmt.Errorf("--mtu must be between %d and %d", peripheral.DefaultMTU, peripheral.MaxMTU)
		}
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

	opts := requestOptions(writeTimeout)
	if writeChunked {
		if writeMTU != 0 {
			mtu, err := p.EnqueueRequestMtu(writeMTU, opts...).Wait(ctx)
			if err != nil {
				return fmt.Errorf("request MTU %d: %w", writeMTU, err)
			}
			sess.logger.WithField("mtu", mtu).Info("MTU negotiated")
		}
		_, err = p.EnqueueWriteChunked(service, char, data, !writeNoResponse, opts...).Wait(ctx)
	} else {
		_, err = p.EnqueueWrite(service, char, data, !writeNoResponse, opts...).Wait(ctx)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", char, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s (mtu %d)\n", len(data), addressColor.Sprint(char), p.MTU())
	return nil
}
