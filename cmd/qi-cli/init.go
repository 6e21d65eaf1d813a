package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/govm-net/qi/chain"
)

var genesisFile string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a ledger from a genesis file",
	Long: `Initialize a ledger from a genesis file.
Example: qi-cli init -g genesis.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		genesis := &chain.Genesis{}
		if genesisFile != "" {
			var err error
			if genesis, err = chain.LoadGenesis(genesisFile); err != nil {
				return fmt.Errorf("failed to load genesis: %w", err)
			}
		}
		l, err := openLedger(false)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := l.InitGenesis(genesis); err != nil {
			return fmt.Errorf("failed to initialize genesis: %w", err)
		}
		supply, err := l.Supply()
		if err != nil {
			return err
		}
		fmt.Printf("Ledger initialized in %s with a supply of %d qi\n", dataDir, supply)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&genesisFile, "genesis", "g", "", "Genesis file (YAML)")
}
