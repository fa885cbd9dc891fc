package main

import (
	"context"
	"strconv"

	"SwapLedger/internal/ingestion"
	"SwapLedger/internal/server"

	"github.com/spf13/cobra"
)

var (
	balanceAsset string
	journalLimit int
	journalBefore int64
)

var depositCmd = &cobra.Command{
	Use:   "deposit <owner> <amount-wei>",
	Short: "Credit native currency to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &ingestion.CommandRequest{RequestID: newRequestID(), Actor: args[0], Amount: args[1]}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.Deposit(ctx, req)
		})
	},
}

var mintNFTCmd = &cobra.Command{
	Use:   "mint-nft <owner> <contract> <token-id>",
	Short: "Create a unique token",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &ingestion.CommandRequest{RequestID: newRequestID(), Actor: args[0], Contract: args[1], TokenID: args[2]}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.MintNFT(ctx, req)
		})
	},
}

var mintTokenCmd = &cobra.Command{
	Use:   "mint-token <owner> <contract> <amount>",
	Short: "Create fungible token balance",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &ingestion.CommandRequest{RequestID: newRequestID(), Actor: args[0], Contract: args[1], Amount: args[2]}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.MintToken(ctx, req)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <owner> <contract> <true|false>",
	Short: "Grant or revoke the exchange's operator approval",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		approved, err := strconv.ParseBool(args[2])
		if err != nil {
			return err
		}
		req := &ingestion.CommandRequest{RequestID: newRequestID(), Actor: args[0], Contract: args[1], Approved: approved}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.SetApproval(ctx, req)
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <owner>",
	Short: "Show a balance (native currency unless --asset)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.GetBalance(ctx, &server.BalanceRequest{Owner: args[0], Asset: balanceAsset})
		})
	},
}

var ownerCmd = &cobra.Command{
	Use:   "owner <contract> <token-id>",
	Short: "Show the holder of a unique token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.GetOwner(ctx, &server.OwnerRequest{Contract: args[0], TokenID: args[1]})
		})
	},
}

// --- Admin ---

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operational commands",
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Force a snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.TakeSnapshot(ctx)
		})
	},
}

var eventLogCmd = &cobra.Command{
	Use:   "eventlog",
	Short: "Compare the durable log with the live sequence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.GetEventLogInfo(ctx)
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the event hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.VerifyIntegrity(ctx)
		})
	},
}

var journalsCmd = &cobra.Command{
	Use:   "journals <address|account>",
	Short: "Show ledger legs touching an account, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.ListJournals(ctx, &server.JournalsRequest{
				Account: args[0], Limit: journalLimit, BeforeSequence: journalBefore,
			})
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{depositCmd, mintNFTCmd, mintTokenCmd, approveCmd} {
		addRequestID(c)
	}
	balanceCmd.Flags().StringVar(&balanceAsset, "asset", "", "fungible token contract")
	journalsCmd.Flags().IntVar(&journalLimit, "limit", 100, "maximum legs")
	journalsCmd.Flags().Int64Var(&journalBefore, "before", 0, "only legs of events before this sequence")

	adminCmd.AddCommand(snapshotCmd, eventLogCmd, verifyCmd, journalsCmd)
	rootCmd.AddCommand(depositCmd, mintNFTCmd, mintTokenCmd, approveCmd, balanceCmd, ownerCmd, adminCmd)
}
