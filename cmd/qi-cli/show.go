package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/govm-net/qi/core"
)

var showCmd = &cobra.Command{
	Use:   "show [head|account NAME|entity ID|contract NAME]",
	Short: "Show ledger objects",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(false)
		if err != nil {
			return err
		}
		defer l.Close()
		store := l.Store()

		if args[0] == "head" {
			return printJSON(l.Head())
		}
		if len(args) != 2 {
			return fmt.Errorf("%s needs a name or an id", args[0])
		}
		switch args[0] {
		case "account":
			a, err := store.Account(core.AccountName(args[1]))
			if err != nil {
				return err
			}
			return printJSON(a)
		case "entity":
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entity id: %w", err)
			}
			e, err := store.Entity(core.EntityID(id))
			if err != nil {
				return err
			}
			return printJSON(e)
		case "contract":
			c, err := store.Contract(core.ContractName(args[1]))
			if err != nil {
				return err
			}
			revisions, err := store.Revisions(c.Name)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"name":      c.Name,
				"owner":     c.Owner,
				"revision":  c.Revision,
				"code_hash": c.CodeHash.String(),
				"abi":       c.ABI,
				"archived":  len(revisions),
			})
		}
		return fmt.Errorf("unknown object %q", args[0])
	},
}
