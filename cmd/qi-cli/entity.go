package main

import (
	"github.com/spf13/cobra"

	"github.com/govm-net/qi/chain"
	"github.com/govm-net/qi/core"
)

var (
	opAccount   string
	opSigner    []string
	opAmount    uint64
	opContract  string
	opHeartbeat bool
	opZone      string
	opActor     string
	opEntity    uint64
	opTo        string
	opToEntity  uint64
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage entities",
}

var entityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an entity funded by an account",
	Long: `Create an entity funded by an account.
Example: qi-cli entity create -a alice --qi 1000 --contract ticker --heartbeat -s pk-alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(true)
		if err != nil {
			return err
		}
		defer l.Close()
		return produce(l, chain.CreateEntity{
			Account:   core.AccountName(opAccount),
			Qi:        opAmount,
			Contract:  core.ContractName(opContract),
			Heartbeat: opHeartbeat,
			Zone:      opZone,
			Actor:     opActor != "",
			ActorName: opActor,
		}, opSigner)
	},
}

var entityTopUpCmd = &cobra.Command{
	Use:   "topup",
	Short: "Fund an entity, re-enabling its heartbeat when it can pay its debt",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(true)
		if err != nil {
			return err
		}
		defer l.Close()
		return produce(l, chain.TopUpEntity{
			Account: core.AccountName(opAccount),
			Entity:  core.EntityID(opEntity),
			Amount:  opAmount,
		}, opSigner)
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer qi",
	Long: `Transfer qi from an account, or from an entity it owns, to an account or an entity.
Example: qi-cli transfer -a alice --to bob --qi 100 -s pk-alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(true)
		if err != nil {
			return err
		}
		defer l.Close()
		return produce(l, chain.Transfer{
			From:       core.AccountName(opAccount),
			FromEntity: core.EntityID(opEntity),
			To:         core.AccountName(opTo),
			ToEntity:   core.EntityID(opToEntity),
			Amount:     opAmount,
		}, opSigner)
	},
}

func init() {
	for _, c := range []*cobra.Command{entityCreateCmd, entityTopUpCmd, transferCmd} {
		c.Flags().StringVarP(&opAccount, "account", "a", "", "Acting account (required)")
		c.Flags().StringSliceVarP(&opSigner, "signer", "s", nil, "Verified signer keys")
		c.Flags().Uint64Var(&opAmount, "qi", 0, "Amount of qi")
		c.MarkFlagRequired("account")
	}
	entityCreateCmd.Flags().StringVar(&opContract, "contract", "", "Bound contract")
	entityCreateCmd.Flags().BoolVar(&opHeartbeat, "heartbeat", false, "Tick the bound contract every period")
	entityCreateCmd.Flags().StringVar(&opZone, "zone", "", "Zone of the entity")
	entityCreateCmd.Flags().StringVar(&opActor, "actor", "", "Make the entity an actor with this name")
	entityTopUpCmd.Flags().Uint64VarP(&opEntity, "entity", "e", 0, "Entity to fund (required)")
	entityTopUpCmd.MarkFlagRequired("entity")
	transferCmd.Flags().Uint64VarP(&opEntity, "entity", "e", 0, "Send from this entity")
	transferCmd.Flags().StringVar(&opTo, "to", "", "Destination account")
	transferCmd.Flags().Uint64Var(&opToEntity, "to-entity", 0, "Destination entity")

	entityCmd.AddCommand(entityCreateCmd)
	entityCmd.AddCommand(entityTopUpCmd)
}
