package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/raid0"
	"github.com/ublkraid/ublkraid/raid1"
)

// newFormatCmd initializes fresh superblocks (and, for raid1, the
// bitmap reserved region) on brand-new backing devices without serving
// any I/O, the offline counterpart to the implicit formatting Open
// performs the first time it sees an unstamped device.
func newFormatCmd() *cobra.Command {
	var (
		kind      string
		legPaths  []string
		stripeStr string
		chunkStr  string
		direct    bool
	)
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Initialize fresh superblocks on new raid0/raid1 backing devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging()
			ctx := context.Background()

			switch kind {
			case "raid0":
				stripeSize, err := parseSize(stripeStr)
				if err != nil {
					return fmt.Errorf("invalid --stripe-size %q: %w", stripeStr, err)
				}
				if len(legPaths) < 2 {
					return fmt.Errorf("raid0 needs at least 2 --leg paths")
				}
				children := make([]device.UblkDisk, 0, len(legPaths))
				for _, p := range legPaths {
					leaf, err := openLeg(legSpec{path: p}, direct)
					if err != nil {
						return err
					}
					children = append(children, leaf)
				}
				array, err := raid0.Open(ctx, children, uint64(stripeSize))
				if err != nil {
					return fmt.Errorf("format raid0 array: %w", err)
				}
				if err := array.Close(); err != nil {
					return fmt.Errorf("persist raid0 superblocks: %w", err)
				}
				logger.Info("formatted raid0 array", "stripes", len(children))
			case "raid1":
				if len(legPaths) != 2 {
					return fmt.Errorf("raid1 needs exactly 2 --leg paths")
				}
				chunkSize, err := parseSize(chunkStr)
				if err != nil {
					return fmt.Errorf("invalid --chunk-size %q: %w", chunkStr, err)
				}
				legA, err := openLeg(legSpec{path: legPaths[0]}, direct)
				if err != nil {
					return err
				}
				legB, err := openLeg(legSpec{path: legPaths[1]}, direct)
				if err != nil {
					return err
				}
				opts := raid1.DefaultOptions()
				if chunkSize > 0 {
					opts.ChunkSize = uint64(chunkSize)
				}
				array, err := raid1.Open(ctx, legA, legB, opts)
				if err != nil {
					return fmt.Errorf("format raid1 array: %w", err)
				}
				if err := array.Close(); err != nil {
					return fmt.Errorf("persist raid1 superblocks: %w", err)
				}
				logger.Info("formatted raid1 array")
			default:
				return fmt.Errorf("unknown --kind %q, must be raid0 or raid1", kind)
			}

			fmt.Println("format complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "array kind to format: raid0 or raid1")
	cmd.Flags().StringArrayVar(&legPaths, "leg", nil, "backing file or block device path (repeatable)")
	cmd.Flags().StringVar(&stripeStr, "stripe-size", "64K", "raid0 stripe width")
	cmd.Flags().StringVar(&chunkStr, "chunk-size", "32K", "raid1 dirty bitmap chunk size")
	cmd.Flags().BoolVar(&direct, "direct", false, "open --leg paths with O_DIRECT")
	cmd.MarkFlagRequired("kind")
	return cmd
}
