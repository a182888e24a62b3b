package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <char-uuid>",
	Short: "Read a characteristic or descriptor value",
	Long: `Connects to a device and reads one characteristic, or one of its
descriptors with --desc.

Examples:
  # Read Battery Level
  gattq read AA:BB:CC:DD:EE:FF 180f 2a19

  # Read the Client Characteristic Configuration descriptor as hex
  gattq read AA:BB:CC:DD:EE:FF 180d 2a37 --desc 2902 --hex`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readDescUUID string
	readHex      bool
	readTimeout  time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); text when printable by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 0, "Request timeout (default from config request_timeout)")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	service, char := args[1], args[2]

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

	opts := requestOptions(readTimeout)
	var data []byte
	label := char
	if readDescUUID != "" {
		label = fmt.Sprintf("%s/%s", char, readDescUUID)
		data, err = p.EnqueueReadDescriptor(service, char, readDescUUID, opts...).Wait(ctx)
	} else {
		data, err = p.EnqueueRead(service, char, opts...).Wait(ctx)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", label, err)
	}

	printValue(cmd.OutOrStdout(), label, data, readHex)
	return nil
}
