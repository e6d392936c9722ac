package verification

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/types"
)

const (
	merchantSol = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	payerSol    = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	usdcMint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type fakeSolanaSource struct {
	tx  *clients.SolanaTransaction
	err error
}

func (f *fakeSolanaSource) TransactionByReference(context.Context, string) (*clients.SolanaTransaction, error) {
	return f.tx, f.err
}

func lamportTx(pre, post uint64, failed bool) *clients.SolanaTransaction {
	return &clients.SolanaTransaction{
		Signature:    "sig",
		Failed:       failed,
		AccountKeys:  []string{payerSol, merchantSol, "11111111111111111111111111111111"},
		PreBalances:  []uint64{5_000_000_000, pre, 1},
		PostBalances: []uint64{4_000_000_000, post, 1},
		Transfers:    []clients.SolanaTransfer{{From: payerSol, To: merchantSol, Lamports: post - pre}},
	}
}

func TestSolanaValidatorLamports(t *testing.T) {
	sol := types.NetworkSolanaMainnet.NativeAsset()
	expected := d("0.5")

	tests := []struct {
		name     string
		tx       *clients.SolanaTransaction
		merchant string
		status   types.IntentStatus
		reason   string
		received string
	}{
		{"validated", lamportTx(1_000_000_000, 1_500_000_000, false), merchantSol, types.StatusValidated, "", "0.5"},
		{"boundary", lamportTx(0, 497_500_000, false), merchantSol, types.StatusValidated, "", "0.4975"},
		{"partial", lamportTx(0, 497_000_000, false), merchantSol, types.StatusPartialPayment, types.ErrInsufficientAmount, "0.497"},
		{"failed", lamportTx(0, 500_000_000, true), merchantSol, types.StatusRefused, types.ErrOnChainExecutionFailed, ""},
		{"merchant absent", lamportTx(0, 500_000_000, false), usdcMint, types.StatusRefused, types.ErrRecipientMismatch, ""},
		{"merchant debited", lamportTx(500_000_000, 400_000_000, false), merchantSol, types.StatusRefused, types.ErrRecipientMismatch, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewSolanaValidator(&fakeSolanaSource{tx: tt.tx}, sol).
				Validate(context.Background(), "sig", expected, tt.merchant)
			require.Equal(t, tt.status, res.Status)
			require.Equal(t, tt.reason, res.Reason)
			require.Equal(t, payerSol, res.Sender)
			if tt.received != "" {
				require.True(t, d(tt.received).Equal(*res.ReceivedAmount), res.ReceivedAmount.String())
			}
		})
	}
}

func TestSolanaValidatorSPL(t *testing.T) {
	usdc := types.Asset{Symbol: "USDC", Decimals: 6, Standard: types.TokenStandardSPL, Contract: usdcMint}

	tx := &clients.SolanaTransaction{
		Signature:   "sig",
		AccountKeys: []string{payerSol, "payerATA", "merchantATA"},
		PreTokenBalances: []clients.SolanaTokenBalance{
			{AccountIndex: 1, Mint: usdcMint, Owner: payerSol, Amount: big.NewInt(500_000_000)},
			{AccountIndex: 2, Mint: usdcMint, Owner: merchantSol, Amount: big.NewInt(1_000_000)},
		},
		PostTokenBalances: []clients.SolanaTokenBalance{
			{AccountIndex: 1, Mint: usdcMint, Owner: payerSol, Amount: big.NewInt(400_400_000)},
			{AccountIndex: 2, Mint: usdcMint, Owner: merchantSol, Amount: big.NewInt(100_600_000)},
		},
	}

	res := NewSolanaValidator(&fakeSolanaSource{tx: tx}, usdc).Validate(context.Background(), "sig", d("100"), merchantSol)
	require.Equal(t, types.StatusValidated, res.Status)
	require.True(t, d("99.6").Equal(*res.ReceivedAmount), res.ReceivedAmount.String())
	require.Equal(t, merchantSol, res.Recipient)
}

func TestSolanaValidatorSPLNewTokenAccount(t *testing.T) {
	usdc := types.Asset{Symbol: "USDC", Decimals: 6, Standard: types.TokenStandardSPL, Contract: usdcMint}

	tx := &clients.SolanaTransaction{
		AccountKeys: []string{payerSol, "merchantATA"},
		PostTokenBalances: []clients.SolanaTokenBalance{
			{AccountIndex: 1, Mint: usdcMint, Owner: merchantSol, Amount: big.NewInt(25_000_000)},
		},
	}

	res := NewSolanaValidator(&fakeSolanaSource{tx: tx}, usdc).Validate(context.Background(), "sig", d("50"), merchantSol)
	require.Equal(t, types.StatusPartialPayment, res.Status)
	require.True(t, d("25").Equal(*res.MissingAmount))
}

func TestSolanaValidatorWrongMint(t *testing.T) {
	usdc := types.Asset{Symbol: "USDC", Decimals: 6, Standard: types.TokenStandardSPL, Contract: usdcMint}

	tx := &clients.SolanaTransaction{
		AccountKeys: []string{payerSol, "merchantATA"},
		PostTokenBalances: []clients.SolanaTokenBalance{
			{AccountIndex: 1, Mint: "OtherMint111111111111111111111111111111111", Owner: merchantSol, Amount: big.NewInt(50_000_000)},
		},
	}

	res := NewSolanaValidator(&fakeSolanaSource{tx: tx}, usdc).Validate(context.Background(), "sig", d("50"), merchantSol)
	require.Equal(t, types.StatusRefused, res.Status)
	require.Equal(t, types.ErrRecipientMismatch, res.Reason)
}

func TestSolanaValidatorNotFound(t *testing.T) {
	res := NewSolanaValidator(&fakeSolanaSource{err: clients.ErrTransactionNotFound}, types.NetworkSolanaDevnet.NativeAsset()).
		Validate(context.Background(), "sig", d("1"), merchantSol)
	require.Equal(t, types.StatusRefused, res.Status)
	require.Equal(t, types.ErrReferenceNotFound, res.Reason)
}
