package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ublkraid/ublkraid/raid1"
)

// newReplaceCmd reconstructs an existing raid1 array from its two
// current legs and swaps one of them for a replacement device, per
// spec §4.5.7's swap_device operation — offline tooling, not a running
// server.
func newReplaceCmd() *cobra.Command {
	var (
		pathA, pathB, newPath string
		which                 string
		direct                bool
	)
	cmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace one leg of an existing raid1 array with a new device",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging()
			ctx := context.Background()

			legA, err := openLeg(legSpec{path: pathA}, direct)
			if err != nil {
				return err
			}
			legB, err := openLeg(legSpec{path: pathB}, direct)
			if err != nil {
				return err
			}

			array, err := raid1.Open(ctx, legA, legB, raid1.DefaultOptions())
			if err != nil {
				return fmt.Errorf("assemble existing raid1 array: %w", err)
			}

			var old raid1.Leg
			switch which {
			case "a":
				old = raid1.DeviceA
			case "b":
				old = raid1.DeviceB
			default:
				return fmt.Errorf("--which must be \"a\" or \"b\", got %q", which)
			}

			newLeg, err := openLeg(legSpec{path: newPath}, direct)
			if err != nil {
				return err
			}

			if err := array.SwapDevice(ctx, old, newLeg); err != nil {
				return fmt.Errorf("swap_device: %w", err)
			}
			logger.Info("leg replaced, resync started in background", "which", which)

			if err := array.Close(); err != nil {
				return fmt.Errorf("close array: %w", err)
			}
			fmt.Println("replace complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&pathA, "leg-a", "", "current backing path for device A")
	cmd.Flags().StringVar(&pathB, "leg-b", "", "current backing path for device B")
	cmd.Flags().StringVar(&which, "which", "", "which leg to replace: a or b")
	cmd.Flags().StringVar(&newPath, "new-device", "", "backing path for the replacement device")
	cmd.Flags().BoolVar(&direct, "direct", false, "open paths with O_DIRECT")
	cmd.MarkFlagRequired("leg-a")
	cmd.MarkFlagRequired("leg-b")
	cmd.MarkFlagRequired("which")
	cmd.MarkFlagRequired("new-device")
	return cmd
}
