package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ublkraid/ublkraid/raid1"
)

func newRaid1Cmd() *cobra.Command {
	var (
		pathA, pathB string
		sizeStr      string
		chunkStr     string
		resyncLevel  int
		direct       bool
	)
	cmd := &cobra.Command{
		Use:   "raid1",
		Short: "Serve a 2-way mirrored (RAID-1) array of backing devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging()

			size, err := parseSize(sizeStr)
			if err != nil && pathA == "" {
				return fmt.Errorf("invalid --size %q: %w", sizeStr, err)
			}
			chunkSize, err := parseSize(chunkStr)
			if err != nil {
				return fmt.Errorf("invalid --chunk-size %q: %w", chunkStr, err)
			}

			legA, err := openLeg(legSpec{path: pathA, size: size}, direct)
			if err != nil {
				return err
			}
			legB, err := openLeg(legSpec{path: pathB, size: size}, direct)
			if err != nil {
				return err
			}

			opts := raid1.DefaultOptions()
			if chunkSize > 0 {
				opts.ChunkSize = uint64(chunkSize)
			}
			if resyncLevel > 0 {
				opts.ResyncLevel = resyncLevel
			}

			ctx := context.Background()
			array, err := raid1.Open(ctx, legA, legB, opts)
			if err != nil {
				return fmt.Errorf("open raid1 array: %w", err)
			}

			logger.Info("serving raid1 array", "chunk_size", formatSize(int64(opts.ChunkSize)))
			return serveDisk(ctx, array, logger)
		},
	}
	cmd.Flags().StringVar(&pathA, "leg-a", "", "backing file or block device path for device A")
	cmd.Flags().StringVar(&pathB, "leg-b", "", "backing file or block device path for device B")
	cmd.Flags().StringVar(&sizeStr, "size", "64M", "size of each in-memory leg when --leg-a/--leg-b are not given")
	cmd.Flags().StringVar(&chunkStr, "chunk-size", "32K", "dirty bitmap chunk size, minimum 32K")
	cmd.Flags().IntVar(&resyncLevel, "resync-level", 0, "extents copied between resync yield points (0 uses the package default)")
	cmd.Flags().BoolVar(&direct, "direct", false, "open --leg-a/--leg-b with O_DIRECT")
	return cmd
}
