package verification

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAssessToleranceBand(t *testing.T) {
	expected := d("0.0045")

	tests := []struct {
		name     string
		received decimal.Decimal
		status   types.IntentStatus
		missing  string
	}{
		{"exact", expected, types.StatusValidated, ""},
		{"overpaid", d("0.005"), types.StatusValidated, ""},
		{"boundary inclusive", expected.Mul(d("0.995")), types.StatusValidated, ""},
		{"within band", d("0.00448"), types.StatusValidated, ""},
		{"just below band", expected.Mul(d("0.994")), types.StatusPartialPayment, "0.000027"},
		{"half paid", d("0.00225"), types.StatusPartialPayment, "0.00225"},
		{"nothing", decimal.Zero, types.StatusPartialPayment, "0.0045"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Assess("ref", expected, tt.received)
			require.Equal(t, tt.status, res.Status)
			require.NotNil(t, res.ReceivedAmount)
			require.True(t, tt.received.Equal(*res.ReceivedAmount))

			if tt.missing == "" {
				require.Nil(t, res.MissingAmount)
				require.Empty(t, res.Reason)
				return
			}
			require.Equal(t, types.ErrInsufficientAmount, res.Reason)
			require.NotNil(t, res.MissingAmount)
			require.True(t, d(tt.missing).Equal(*res.MissingAmount), "missing %s", res.MissingAmount)
		})
	}
}

func TestAssessBoundaryAcrossMagnitudes(t *testing.T) {
	for _, s := range []string{"1", "100", "0.000000001", "123456789.123456789"} {
		expected := d(s)
		require.Equal(t, types.StatusValidated, Assess("r", expected, expected.Mul(d("0.995"))).Status, s)

		res := Assess("r", expected, expected.Mul(d("0.994")))
		require.Equal(t, types.StatusPartialPayment, res.Status, s)
		require.True(t, expected.Mul(d("0.006")).Equal(*res.MissingAmount), s)
	}
}

func TestFromSourceError(t *testing.T) {
	tests := []struct {
		err    error
		status types.IntentStatus
		reason string
	}{
		{clients.ErrTransactionNotFound, types.StatusRefused, types.ErrReferenceNotFound},
		{fmt.Errorf("%w: bad", clients.ErrInvalidReference), types.StatusRefused, types.ErrInvalidReference},
		{clients.ErrTransactionPending, types.StatusPending, types.ErrTransientSource},
		{errors.New("connection reset"), types.StatusPending, types.ErrTransientSource},
	}
	for _, tt := range tests {
		res := fromSourceError("ref", tt.err)
		require.Equal(t, tt.status, res.Status, tt.err.Error())
		require.Equal(t, tt.reason, res.Reason)
		require.Equal(t, "ref", res.Reference)
	}
}
