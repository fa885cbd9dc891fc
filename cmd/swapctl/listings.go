package main

import (
	"context"
	"fmt"
	"time"

	"SwapLedger/internal/ingestion"
	"SwapLedger/internal/order"
	"SwapLedger/internal/server"

	"github.com/spf13/cobra"
)

var (
	listTTL     time.Duration
	listExpiry  string
	withHistory bool
	fpRemote    bool
)

var listNFTCmd = &cobra.Command{
	Use:   "list-nft <seller> <contract> <token-id> <price-wei>",
	Short: "List a unique token for sale",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		expiry, err := resolveExpiry()
		if err != nil {
			return err
		}
		req := &ingestion.CommandRequest{
			RequestID: newRequestID(),
			Actor:     args[0],
			Contract:  args[1],
			TokenID:   args[2],
			Price:     args[3],
			Expiry:    &expiry,
		}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.CreateNonFungibleListing(ctx, req)
		})
	},
}

var listOTCCmd = &cobra.Command{
	Use:   "list-otc <seller> <contract> <amount> <price-wei>",
	Short: "List an amount of a fungible token for sale",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		expiry, err := resolveExpiry()
		if err != nil {
			return err
		}
		req := &ingestion.CommandRequest{
			RequestID: newRequestID(),
			Actor:     args[0],
			Contract:  args[1],
			Amount:    args[2],
			Price:     args[3],
			Expiry:    &expiry,
		}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.CreateFungibleListing(ctx, req)
		})
	},
}

var fulfillCmd = &cobra.Command{
	Use:   "fulfill <fingerprint> <buyer> <payment-wei>",
	Short: "Buy a listing",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &ingestion.CommandRequest{
			RequestID:   newRequestID(),
			Fingerprint: args[0],
			Actor:       args[1],
			Tendered:    args[2],
		}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.Fulfill(ctx, req)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <fingerprint> <seller>",
	Short: "Withdraw an open listing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &ingestion.CommandRequest{
			RequestID:   newRequestID(),
			Fingerprint: args[0],
			Actor:       args[1],
		}
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.Cancel(ctx, req)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <fingerprint>",
	Short: "Show a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.GetListing(ctx, &server.GetListingRequest{Fingerprint: args[0], WithHistory: withHistory})
		})
	},
}

var sellerCmd = &cobra.Command{
	Use:   "seller <address>",
	Short: "List every fingerprint a seller has used",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.ListSellerListings(ctx, &server.SellerRequest{Seller: args[0]})
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <contract>",
	Short: "List open listings of an asset contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
			return c.ListOpenListings(ctx, &server.ContractRequest{Contract: args[0]})
		})
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <non_fungible|fungible> <seller> <contract> <token-id|sequence>",
	Short: "Derive a listing fingerprint",
	Long: `Derive the fingerprint a listing has or would have. Computed locally
unless --remote is set.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		if fpRemote {
			return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
				return c.ComputeFingerprint(ctx, &server.FingerprintRequest{
					Kind: args[0], Seller: args[1], Contract: args[2], IDOrSequence: args[3],
				})
			})
		}
		kind, ok := order.ParseKind(args[0])
		if !ok {
			return fmt.Errorf("%w: unknown listing kind %q", order.ErrInvalidParameters, args[0])
		}
		fp, err := order.ParseFingerprintRequest(kind, args[1], args[2], args[3])
		if err != nil {
			return err
		}
		fmt.Println(fp.Hex())
		return nil
	},
}

func resolveExpiry() (time.Time, error) {
	if listExpiry != "" {
		t, err := time.Parse(time.RFC3339, listExpiry)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: expiry: %v", order.ErrInvalidParameters, err)
		}
		return t, nil
	}
	return time.Now().Add(listTTL).UTC(), nil
}

func init() {
	for _, c := range []*cobra.Command{listNFTCmd, listOTCCmd} {
		c.Flags().DurationVar(&listTTL, "ttl", 24*time.Hour, "listing lifetime")
		c.Flags().StringVar(&listExpiry, "expiry", "", "absolute RFC 3339 expiry (overrides --ttl)")
	}
	for _, c := range []*cobra.Command{listNFTCmd, listOTCCmd, fulfillCmd, cancelCmd} {
		addRequestID(c)
	}
	getCmd.Flags().BoolVar(&withHistory, "history", false, "include superseded records")
	fingerprintCmd.Flags().BoolVar(&fpRemote, "remote", false, "ask the daemon instead of computing locally")

	rootCmd.AddCommand(listNFTCmd, listOTCCmd, fulfillCmd, cancelCmd, getCmd, sellerCmd, openCmd, fingerprintCmd)
}
