package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPassthroughCmd() *cobra.Command {
	var (
		sizeStr string
		path    string
		direct  bool
	)
	cmd := &cobra.Command{
		Use:   "passthrough",
		Short: "Serve a single backing device as a passthrough ublk target",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging()

			size, err := parseSize(sizeStr)
			if err != nil && path == "" {
				return fmt.Errorf("invalid size %q: %w", sizeStr, err)
			}

			leaf, err := openLeg(legSpec{path: path, size: size}, direct)
			if err != nil {
				return err
			}

			logger.Info("serving passthrough device", "size", formatSize(int64(leaf.Params().Capacity())))
			return serveDisk(context.Background(), leaf, logger)
		},
	}
	cmd.Flags().StringVar(&sizeStr, "size", "64M", "size of the backing device when --path is not given (e.g. 64M, 1G)")
	cmd.Flags().StringVar(&path, "path", "", "backing file or block device path; empty uses an in-memory disk")
	cmd.Flags().BoolVar(&direct, "direct", false, "open --path with O_DIRECT")
	return cmd
}
