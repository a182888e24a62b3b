package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Every device seen is registered for later commands in the same process;
devices left over from an earlier sweep are dropped unless connected.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanAllowList  []string
	scanBlockList  []string
	scanDuplicates bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config scan_timeout)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json; default from config)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "service", "s", nil, "Only show devices advertising these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", false, "Report every advertisement, not just the first per device")
}

// scanResult is one row of scan output
type scanResult struct {
	Address     string   `json:"address"`
	Name        string   `json:"name,omitempty"`
	RSSI        int      `json:"rssi"`
	TxPower     int      `json:"tx_power,omitempty"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	format := scanFormat
	if format == "" {
		format = cfg.OutputFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	opts := &scanner.ScanOptions{
		Duration:        cfg.ScanTimeout,
		AllowDuplicates: scanDuplicates || cfg.ReportDuplicates,
		ServiceUUIDs:    scanServices,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := commandContext()
	defer cancel()

	s := scanner.NewScanner(sess.host, sess.registry, sess.logger)
	progress := newProgressPrinter(cmd.ErrOrStderr(), "Scanning for devices", "Starting", opts.Duration)
	progress.Start()
	devices, err := s.Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	results := sortedResults(devices)
	if format == "json" {
		return writeScanJSON(cmd.OutOrStdout(), results)
	}
	writeScanTable(cmd.OutOrStdout(), results)
	return nil
}

// sortedResults orders devices by signal strength, strongest first
func sortedResults(devices map[string]adapter.Advertisement) []scanResult {
	results := make([]scanResult, 0, len(devices))
	for _, adv := range devices {
		results = append(results, scanResult{
			Address:     adv.Address,
			Name:        adv.LocalName,
			RSSI:        adv.RSSI,
			TxPower:     adv.TxPowerLevel,
			Connectable: adv.Connectable,
			Services:    adv.Services,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].RSSI != results[j].RSSI {
			return results[i].RSSI > results[j].RSSI
		}
		return results[i].Address < results[j].Address
	})
	return results
}

func writeScanJSON(w io.Writer, results []scanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeScanTable(w io.Writer, results []scanResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No devices found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tSERVICES")
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", addressColor.Sprint(r.Address), name, r.RSSI, strings.Join(r.Services, ","))
	}
	_ = tw.Flush()
}
