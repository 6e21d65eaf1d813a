package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/govm-net/qi/api"
	"github.com/govm-net/qi/chain"
	"github.com/govm-net/qi/core"
	"github.com/govm-net/qi/ledger"
	_ "github.com/govm-net/qi/ledger/db"
	"github.com/govm-net/qi/repository"
	"github.com/govm-net/qi/wasi"
)

var (
	dataDir    string
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "qi-cli",
	Short: "qi ledger command line tool",
	Long: `qi ledger command line tool for deploying WebAssembly contracts, calling
them and producing blocks against a local sqlite ledger.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", ".qi", "Data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Protocol config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(inspectCmd)
}

func loadConfig() (api.Config, error) {
	if configFile == "" {
		return api.DefaultConfig(), nil
	}
	return api.LoadConfig(configFile)
}

// openLedger opens the sqlite ledger and the revision archive under the data
// directory. Commands that produce blocks also open a journal.
func openLedger(withJournal bool) (*chain.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	backend, err := ledger.Open(ledger.DBType, map[string]any{"db_path": filepath.Join(dataDir, "qi.db")})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	store := ledger.NewStore(backend)

	script, err := wasi.NewWazeroVM(wasi.DefaultCacheSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create script vm: %w", err)
	}
	archive, err := repository.NewManager(filepath.Join(dataDir, "revisions"))
	if err != nil {
		script.Close()
		store.Close()
		return nil, err
	}
	opts := chain.Options{Archive: archive}
	if withJournal {
		head, err := store.Head()
		if err != nil {
			script.Close()
			store.Close()
			return nil, err
		}
		// one journal per run, named after the block it starts from
		path := filepath.Join(dataDir, "journal", fmt.Sprintf("from-%020d.jsonl.zst", head.Block+1))
		if opts.Journal, err = chain.OpenJournal(path); err != nil {
			script.Close()
			store.Close()
			return nil, err
		}
	}
	return chain.New(cfg, store, script, opts)
}

// produce applies one operation as a block of its own and prints its
// receipt.
func produce(l *chain.Ledger, op chain.Operation, signers []string) error {
	keys := make([]core.PublicKey, len(signers))
	for i, s := range signers {
		keys[i] = core.PublicKey(s)
	}
	var ops []chain.Signed
	if op != nil {
		ops = append(ops, chain.Signed{Op: op, Signers: core.NewKeySet(keys...)})
	}
	report, err := l.ProduceBlock(context.Background(), ops)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	for _, r := range report.Receipts {
		if !r.Success {
			return fmt.Errorf("%s failed (%s): %s", r.Kind, r.ErrorKind, r.Error)
		}
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
