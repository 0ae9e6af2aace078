package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"negotiation-hive/internal/app"
	"negotiation-hive/internal/domain"
)

var (
	negotiateItem       string
	negotiateBid        string
	negotiateCurrency   string
	negotiateAgentDID   string
	negotiateReputation float64
	negotiateRequestID  string
)

var negotiateCmd = &cobra.Command{
	Use:   "negotiate",
	Short: "Run one bid through the decision pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(negotiateItem) == "" {
			return errors.New("--item is required")
		}
		bid, err := decimal.NewFromString(negotiateBid)
		if err != nil {
			return fmt.Errorf("invalid --bid value: %w", err)
		}

		return getApp().Negotiate(cmd.Context(), app.NegotiateOptions{
			Signal: domain.Signal{
				ItemID:       negotiateItem,
				BidAmount:    bid,
				CurrencyCode: strings.ToUpper(negotiateCurrency),
				Agent:        domain.Agent{DID: negotiateAgentDID, ReputationScore: negotiateReputation},
				RequestID:    negotiateRequestID,
			},
			Out: cmd.OutOrStdout(),
		})
	},
}

var dealCmd = &cobra.Command{
	Use:   "deal <deal-id>",
	Short: "Check the settlement status of a locked deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid deal id: %w", err)
		}
		return getApp().DealStatus(cmd.Context(), id, cmd.OutOrStdout())
	},
}

func init() {
	negotiateCmd.Flags().StringVar(&negotiateItem, "item", "", "Catalog item id")
	negotiateCmd.Flags().StringVar(&negotiateBid, "bid", "", "Bid amount")
	negotiateCmd.Flags().StringVar(&negotiateCurrency, "currency", "USD", "Bid currency")
	negotiateCmd.Flags().StringVar(&negotiateAgentDID, "agent", "did:key:cli", "Agent DID")
	negotiateCmd.Flags().Float64Var(&negotiateReputation, "reputation", 0.5, "Agent reputation score")
	negotiateCmd.Flags().StringVar(&negotiateRequestID, "request-id", "", "Request id (generated when empty)")
}
