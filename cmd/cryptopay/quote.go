package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/quote"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/utils"
)

func quoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote [amount]",
		Short: "Print the best quote for a fiat amount",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuote,
	}
	cmd.Flags().StringP("network", "n", string(types.NetworkBSC), "network whose native asset is quoted")
	cmd.Flags().StringP("currency", "c", "EUR", "fiat currency")
	return cmd
}

func runQuote(cmd *cobra.Command, args []string) error {
	amount, err := utils.ValidateAmount(args[0])
	if err != nil {
		return err
	}
	currency, _ := cmd.Flags().GetString("currency")
	if err := utils.ValidateFiatAmount(amount, currency); err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("network")
	network, err := types.ParseNetwork(name)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	agg := quote.NewAggregator(quote.DefaultProviders(), cfg.QuoteTimeout, logger.NoopLogger{}, nil)
	asset := network.NativeAsset()
	q, err := agg.BestQuote(cmd.Context(), amount, asset.Symbol)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s %s via %s (fee %s, %dms)\n",
		amount, currency, q.TotalWithFee.Round(asset.Decimals), asset.Symbol,
		q.Provider, q.NetworkFee, q.Latency.Milliseconds())
	return nil
}
