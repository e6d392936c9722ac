package verification

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/types"
)

// ToleranceRate is the underpayment allowance shared by every chain family.
var ToleranceRate = decimal.RequireFromString("0.005")

// MinAccepted returns the smallest amount that still settles expected in full.
func MinAccepted(expected decimal.Decimal) decimal.Decimal {
	return expected.Sub(expected.Mul(ToleranceRate))
}

// Assess applies the settlement acceptance policy to an amount that already
// reached the merchant. Received amounts at or above MinAccepted are
// VALIDATED; anything less is PARTIAL_PAYMENT with the shortfall reported.
func Assess(reference string, expected, received decimal.Decimal) types.ValidationResult {
	got := received
	res := types.ValidationResult{
		Reference:      reference,
		ReceivedAmount: &got,
	}

	if received.LessThan(MinAccepted(expected)) {
		missing := expected.Sub(received)
		res.Status = types.StatusPartialPayment
		res.Reason = types.ErrInsufficientAmount
		res.MissingAmount = &missing
		res.Detail = fmt.Sprintf("received %s of %s, missing %s", received, expected, missing)
		return res
	}

	res.Status = types.StatusValidated
	return res
}

func refused(reference, code, detail string) types.ValidationResult {
	return types.ValidationResult{
		Status:    types.StatusRefused,
		Reference: reference,
		Reason:    code,
		Detail:    detail,
	}
}

// fromSourceError turns a failed lookup into a verdict. Unknown and
// malformed references are final; everything else is retried.
func fromSourceError(reference string, err error) types.ValidationResult {
	switch {
	case errors.Is(err, clients.ErrTransactionNotFound):
		return refused(reference, types.ErrReferenceNotFound, err.Error())
	case errors.Is(err, clients.ErrInvalidReference):
		return refused(reference, types.ErrInvalidReference, err.Error())
	}
	return types.ValidationResult{
		Status:    types.StatusPending,
		Reference: reference,
		Reason:    types.ErrTransientSource,
		Detail:    err.Error(),
	}
}
