package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// decimals are validated through their string form
	validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = validate.RegisterValidation("network", validateNetworkTag)
	_ = validate.RegisterValidation("amount", validateAmountTag)
	_ = validate.RegisterValidation("currency", validateCurrencyTag)
}

// Validator returns the shared validator with the custom tags registered.
func Validator() *validator.Validate { return validate }

// PaymentRequestBody is the JSON body a terminal posts to request a payment.
type PaymentRequestBody struct {
	FiatAmount decimal.Decimal `json:"fiatAmount" validate:"amount"`
	Currency   string          `json:"currency" validate:"required,currency"`
	Network    string          `json:"network" validate:"omitempty,network"`
	TxHash     string          `json:"txHash,omitempty"`
}

// ReferenceBody carries a payer-reported transaction reference.
type ReferenceBody struct {
	TxHash string `json:"txHash" validate:"required"`
}

// ParsePaymentRequest decodes and validates a payment request. The network
// defaults to BSC and is returned in canonical form, the currency upper-cased
// and the reference normalized for the network.
func ParsePaymentRequest(data []byte) (*PaymentRequestBody, error) {
	var req PaymentRequestBody
	if err := decodeStrict(data, &req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("failed to parse payment request: %v", err))
	}
	if err := validate.Struct(&req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("validation failed: %v", err))
	}

	network := types.NetworkBSC
	if req.Network != "" {
		network, _ = types.ParseNetwork(req.Network)
	}
	req.Network = network.String()
	req.Currency = types.NormalizeCurrency(req.Currency)

	if err := ValidateFiatAmount(req.FiatAmount, req.Currency); err != nil {
		return nil, err
	}
	if req.TxHash != "" {
		req.TxHash = NormalizeReference(req.TxHash, network)
		if err := ValidateReference(req.TxHash, network); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

// ParseReference decodes a reference submission. The shape is checked later
// against the intent's network.
func ParseReference(data []byte) (*ReferenceBody, error) {
	var body ReferenceBody
	if err := decodeStrict(data, &body); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("failed to parse reference: %v", err))
	}
	if err := validate.Struct(&body); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("validation failed: %v", err))
	}
	return &body, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validateNetworkTag(fl validator.FieldLevel) bool {
	_, err := types.ParseNetwork(fl.Field().String())
	return err == nil
}

func validateAmountTag(fl validator.FieldLevel) bool {
	d, err := ValidateAmount(fl.Field().String())
	return err == nil && d.IsPositive()
}

func validateCurrencyTag(fl validator.FieldLevel) bool {
	return ValidateCurrency(fl.Field().String()) == nil
}
