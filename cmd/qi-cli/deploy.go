package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/govm-net/qi/abi"
	"github.com/govm-net/qi/chain"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/wasi"
)

var (
	wasmFile     string
	abiFile      string
	contractName string
	ownerAccount string
	authorityKey string
	requireAuth  bool
	revise       bool
	deploySigner []string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy or revise a contract",
	Long: `Deploy a WebAssembly contract with its ABI, or revise an existing one.
Example: qi-cli deploy -n counter -f counter.wasm -a counter.abi.json -o bob`,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(wasmFile)
		if err != nil {
			return fmt.Errorf("failed to read wasm file: %w", err)
		}
		rawABI, err := os.ReadFile(abiFile)
		if err != nil {
			return fmt.Errorf("failed to read abi file: %w", err)
		}
		table, err := abi.Decode(rawABI)
		if err != nil {
			return err
		}
		info, err := wasi.Inspect(context.Background(), code)
		if err != nil {
			return err
		}
		if err := info.Check(); err != nil {
			return err
		}

		l, err := openLedger(true)
		if err != nil {
			return err
		}
		defer l.Close()

		var op chain.Operation = chain.DeployContract{
			Account:      core.AccountName(ownerAccount),
			Name:         core.ContractName(contractName),
			Code:         code,
			ABI:          table,
			AuthorityKey: core.PublicKey(authorityKey),
			RequireAuth:  requireAuth,
		}
		if revise {
			op = chain.ReviseContract{
				Account: core.AccountName(ownerAccount),
				Name:    core.ContractName(contractName),
				Code:    code,
				ABI:     table,
			}
		}
		return produce(l, op, deploySigner)
	},
}

func init() {
	deployCmd.Flags().StringVarP(&contractName, "name", "n", "", "Contract name (required)")
	deployCmd.Flags().StringVarP(&wasmFile, "file", "f", "", "WebAssembly file of the contract (required)")
	deployCmd.Flags().StringVarP(&abiFile, "abi", "a", "", "ABI file (JSON, required)")
	deployCmd.Flags().StringVarP(&ownerAccount, "owner", "o", "", "Owner account (required)")
	deployCmd.Flags().StringVar(&authorityKey, "authority", "", "Key every caller must have signed with")
	deployCmd.Flags().BoolVar(&requireAuth, "require-auth", false, "Require the authority key on every call")
	deployCmd.Flags().BoolVar(&revise, "revise", false, "Revise an existing contract")
	deployCmd.Flags().StringSliceVarP(&deploySigner, "signer", "s", nil, "Verified signer keys")
	deployCmd.MarkFlagRequired("name")
	deployCmd.MarkFlagRequired("file")
	deployCmd.MarkFlagRequired("abi")
	deployCmd.MarkFlagRequired("owner")
}
