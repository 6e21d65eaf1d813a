package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var blockCount int

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Produce empty blocks",
	Long: `Produce empty blocks, running the heartbeats that fall due.
Example: qi-cli block -n 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if blockCount <= 0 {
			return fmt.Errorf("count must be positive")
		}
		l, err := openLedger(true)
		if err != nil {
			return err
		}
		defer l.Close()
		for i := 0; i < blockCount; i++ {
			if err := produce(l, nil, nil); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	blockCmd.Flags().IntVarP(&blockCount, "count", "n", 1, "Number of blocks")
}
