// Command settler runs one settlement over a recipient set and prints the
// report as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/PolymersNetwork/settlement/settler/pkg/allocation"
	"github.com/PolymersNetwork/settlement/settler/pkg/checkpoint"
	"github.com/PolymersNetwork/settlement/settler/pkg/claims"
	"github.com/PolymersNetwork/settlement/settler/pkg/engine"
	"github.com/PolymersNetwork/settlement/settler/pkg/ledger"
	"github.com/PolymersNetwork/settlement/settler/pkg/raydium"
	"github.com/PolymersNetwork/settlement/settler/pkg/staking"
	"github.com/PolymersNetwork/settlement/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := pflag.Bool("verbose", false, "Enable verbose (debug) logging")
	envFileFlag := pflag.String("env-file", "", "Optional .env file to load")
	rpcURLFlag := pflag.String("rpc-url", "", "Solana RPC endpoint (defaults to $SOLANA_RPC_URL)")
	keypairFlag := pflag.String("keypair", "", "Path to the operator keypair file")
	recipientsFlag := pflag.String("recipients", "", "Path to a JSON file listing recipients")
	settlementAssetFlag := pflag.String("settlement-asset", "", "Mint of the asset recipients are paid in")
	slippageFlag := pflag.Uint16("slippage-bps", 50, "Swap slippage tolerance in basis points")
	residualPolicyFlag := pflag.String("residual-policy", string(allocation.ResidualUnallocated), "Residual disposition: unallocated, treasury, or carry")
	treasuryFlag := pflag.String("treasury", "", "Treasury account for the treasury residual policy")
	stakingProgramFlag := pflag.String("staking-program", "", "Staking program id")
	registryURLFlag := pflag.String("registry-url", raydium.DefaultRegistryURL, "AMM pool registry URL")
	databaseURLFlag := pflag.String("database-url", "", "Postgres URL for the batch-outcome journal (in-memory when empty)")
	confirmTimeoutFlag := pflag.Duration("confirm-timeout", 60*time.Second, "Per-batch confirmation timeout")
	pflag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	log := logger.New(*verboseFlag)

	rpcURL := *rpcURLFlag
	if rpcURL == "" {
		rpcURL = os.Getenv("SOLANA_RPC_URL")
	}
	if rpcURL == "" {
		return errors.New("rpc url is required (--rpc-url or $SOLANA_RPC_URL)")
	}
	if *keypairFlag == "" {
		return errors.New("operator keypair is required (--keypair)")
	}
	if *recipientsFlag == "" {
		return errors.New("recipients file is required (--recipients)")
	}

	operator, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
	if err != nil {
		return fmt.Errorf("failed to load operator keypair: %w", err)
	}
	settlementAsset, err := solana.PublicKeyFromBase58(*settlementAssetFlag)
	if err != nil {
		return fmt.Errorf("invalid settlement asset: %w", err)
	}
	stakingProgram, err := solana.PublicKeyFromBase58(*stakingProgramFlag)
	if err != nil {
		return fmt.Errorf("invalid staking program id: %w", err)
	}
	var treasury solana.PublicKey
	if *treasuryFlag != "" {
		if treasury, err = solana.PublicKeyFromBase58(*treasuryFlag); err != nil {
			return fmt.Errorf("invalid treasury account: %w", err)
		}
	}

	recipients, err := loadRecipients(*recipientsFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rpcClient := solanarpc.New(rpcURL)

	ledgerClient, err := ledger.New(ledger.Config{Logger: log, RPC: rpcClient})
	if err != nil {
		return err
	}
	stakingClient, err := staking.New(staking.Config{
		Logger:    log,
		RPC:       rpcClient,
		ProgramID: stakingProgram,
		Operator:  operator.PublicKey(),
	})
	if err != nil {
		return err
	}
	oracle, err := raydium.New(raydium.Config{
		Logger:      log,
		RPC:         rpcClient,
		Owner:       operator.PublicKey(),
		RegistryURL: *registryURLFlag,
	})
	if err != nil {
		return err
	}

	var journal checkpoint.Journal = checkpoint.NewMemory(nil)
	if *databaseURLFlag != "" {
		if err := checkpoint.Migrate(ctx, log, *databaseURLFlag); err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, *databaseURLFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()
		if journal, err = checkpoint.NewPostgres(checkpoint.PostgresConfig{Logger: log, Pool: pool}); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Config{
		Logger:         log,
		Claimer:        stakingClient,
		Oracle:         oracle,
		Ledger:         ledgerClient,
		Journal:        journal,
		Operator:       operator,
		Treasury:       treasury,
		ResidualPolicy: allocation.ResidualPolicy(*residualPolicyFlag),
		ConfirmTimeout: *confirmTimeoutFlag,
	})
	if err != nil {
		return err
	}

	report, err := eng.Settle(ctx, recipients, settlementAsset, *slippageFlag)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

type recipientEntry struct {
	Owner    string `json:"owner"`
	Position string `json:"position"`
}

func loadRecipients(path string) ([]claims.Recipient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}
	var entries []recipientEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse recipients file: %w", err)
	}

	recipients := make([]claims.Recipient, 0, len(entries))
	for i, e := range entries {
		owner, err := solana.PublicKeyFromBase58(e.Owner)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: invalid owner: %w", i, err)
		}
		position, err := solana.PublicKeyFromBase58(e.Position)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: invalid position: %w", i, err)
		}
		recipients = append(recipients, claims.Recipient{Owner: owner, Position: position})
	}
	return recipients, nil
}
