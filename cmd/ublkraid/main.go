// Command ublkraid serves passthrough, RAID-0 and RAID-1 ublk block
// device targets, and provides offline tooling (format, replace,
// status) for arrays already on disk.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ublkraid/ublkraid/internal/logging"
)

var (
	verbose     bool
	logFormat   string
	metricsBind string
)

func main() {
	root := &cobra.Command{
		Use:   "ublkraid",
		Short: "Serve and manage passthrough, RAID-0 and RAID-1 ublk targets",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	root.PersistentFlags().StringVar(&metricsBind, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")

	root.AddCommand(newPassthroughCmd())
	root.AddCommand(newRaid0Cmd())
	root.AddCommand(newRaid1Cmd())
	root.AddCommand(newFormatCmd())
	root.AddCommand(newReplaceCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Format = logFormat
	if verbose {
		cfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(cfg)
	logging.SetDefault(logger)
	return logger
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
