package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/govm-net/qi/wasi"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Inspect a WebAssembly contract",
	Long: `Print the exports and imports of a WebAssembly module and check that it
can run as a contract.
Example: qi-cli inspect counter.wasm`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read wasm file: %w", err)
		}
		info, err := wasi.Inspect(context.Background(), code)
		if err != nil {
			return err
		}
		fmt.Println("Exports:")
		for _, f := range info.Exports {
			fmt.Printf("  - %s\n", f)
		}
		fmt.Println("Imports:")
		for _, f := range info.Imports {
			fmt.Printf("  - %s\n", f)
		}
		fmt.Printf("Memories: %v\n", info.Memories)
		if err := info.Check(); err != nil {
			return err
		}
		fmt.Println("Module can run as a contract")
		return nil
	},
}
