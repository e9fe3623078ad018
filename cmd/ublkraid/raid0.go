package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/raid0"
)

func newRaid0Cmd() *cobra.Command {
	var (
		legPaths   []string
		legSizeStr string
		numLegs    int
		stripeStr  string
		direct     bool
	)
	cmd := &cobra.Command{
		Use:   "raid0",
		Short: "Serve a striped (RAID-0) array of backing devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging()

			stripeSize, err := parseSize(stripeStr)
			if err != nil {
				return fmt.Errorf("invalid --stripe-size %q: %w", stripeStr, err)
			}

			specs, err := raid0LegSpecs(legPaths, numLegs, legSizeStr)
			if err != nil {
				return err
			}

			children := make([]device.UblkDisk, 0, len(specs))
			for _, spec := range specs {
				leaf, err := openLeg(spec, direct)
				if err != nil {
					return err
				}
				children = append(children, leaf)
			}

			ctx := context.Background()
			array, err := raid0.Open(ctx, children, uint64(stripeSize))
			if err != nil {
				return fmt.Errorf("open raid0 array: %w", err)
			}

			logger.Info("serving raid0 array", "stripes", len(children), "stripe_size", formatSize(stripeSize))
			return serveDisk(ctx, array, logger)
		},
	}
	cmd.Flags().StringArrayVar(&legPaths, "leg", nil, "backing file or block device path for one stripe (repeatable)")
	cmd.Flags().IntVar(&numLegs, "legs", 0, "number of in-memory stripes when --leg is not given")
	cmd.Flags().StringVar(&legSizeStr, "leg-size", "64M", "size of each in-memory stripe (e.g. 64M, 1G)")
	cmd.Flags().StringVar(&stripeStr, "stripe-size", "64K", "stripe (stride) width, e.g. 64K, 256K")
	cmd.Flags().BoolVar(&direct, "direct", false, "open --leg paths with O_DIRECT")
	return cmd
}

func raid0LegSpecs(legPaths []string, numLegs int, legSizeStr string) ([]legSpec, error) {
	if len(legPaths) > 0 {
		specs := make([]legSpec, len(legPaths))
		for i, p := range legPaths {
			specs[i] = legSpec{path: strings.TrimSpace(p)}
		}
		return specs, nil
	}
	if numLegs < 2 {
		return nil, fmt.Errorf("raid0 needs at least 2 legs (got %d); pass --legs or repeat --leg", numLegs)
	}
	size, err := parseSize(legSizeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --leg-size %q: %w", legSizeStr, err)
	}
	specs := make([]legSpec, numLegs)
	for i := range specs {
		specs[i] = legSpec{size: size}
	}
	return specs, nil
}
