package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/govm-net/qi/chain"
	"github.com/govm-net/qi/core"
)

var (
	callAccount  string
	callContract string
	callFunction string
	callArgs     string
	callAsEntity uint64
	callEntity   uint64
	callEval     bool
	callSigner   []string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a contract function",
	Long: `Call a contract function. Effectful calls are applied in a new block,
evaluations run against the current head and never persist.
Example: qi-cli call -a alice -c counter -f add --args '[5]' -s pk-alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var params []any
		if callArgs != "" {
			if err := json.Unmarshal([]byte(callArgs), &params); err != nil {
				return fmt.Errorf("args must be a JSON array: %w", err)
			}
		}

		l, err := openLedger(!callEval)
		if err != nil {
			return err
		}
		defer l.Close()

		if callEval {
			keys := make([]core.PublicKey, len(callSigner))
			for i, s := range callSigner {
				keys[i] = core.PublicKey(s)
			}
			r := l.ApplyOperation(context.Background(), chain.EvalContract{
				Account:  core.AccountName(callAccount),
				AsEntity: core.EntityID(callAsEntity),
				Contract: core.ContractName(callContract),
				Function: callFunction,
				Args:     params,
				Entity:   core.EntityID(callEntity),
			}, core.NewKeySet(keys...))
			if err := printJSON(r); err != nil {
				return err
			}
			if !r.Success {
				return fmt.Errorf("evaluation failed (%s): %s", r.ErrorKind, r.Error)
			}
			return nil
		}

		return produce(l, chain.CallContract{
			Account:  core.AccountName(callAccount),
			AsEntity: core.EntityID(callAsEntity),
			Contract: core.ContractName(callContract),
			Function: callFunction,
			Args:     params,
			Entity:   core.EntityID(callEntity),
		}, callSigner)
	},
}

func init() {
	callCmd.Flags().StringVarP(&callAccount, "account", "a", "", "Calling account (required)")
	callCmd.Flags().StringVarP(&callContract, "contract", "c", "", "Contract name (required)")
	callCmd.Flags().StringVarP(&callFunction, "function", "f", "", "Function name (required)")
	callCmd.Flags().StringVar(&callArgs, "args", "", "Arguments as a JSON array")
	callCmd.Flags().Uint64Var(&callAsEntity, "as-entity", 0, "Call as this entity owned by the account")
	callCmd.Flags().Uint64Var(&callEntity, "entity", 0, "Run the contract bound to this entity")
	callCmd.Flags().BoolVar(&callEval, "eval", false, "Evaluate without persisting")
	callCmd.Flags().StringSliceVarP(&callSigner, "signer", "s", nil, "Verified signer keys")
	callCmd.MarkFlagRequired("account")
	callCmd.MarkFlagRequired("contract")
	callCmd.MarkFlagRequired("function")
}
