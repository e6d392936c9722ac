package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/types"
)

var (
	hexPattern      = regexp.MustCompile("^[0-9a-fA-F]+$")
	currencyPattern = regexp.MustCompile("^[A-Z]{3}$")
)

func invalid(format string, args ...any) error {
	return types.NewError(types.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ValidateAmount parses a decimal amount string and rejects negatives.
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if strings.TrimSpace(amount) == "" {
		return decimal.Zero, invalid("amount cannot be empty")
	}
	dec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, invalid("invalid amount format: %v", err)
	}
	if dec.IsNegative() {
		return decimal.Zero, invalid("amount cannot be negative")
	}
	return dec, nil
}

// ValidateFiatAmount checks that amount is positive and has no more digits
// than the currency's minor unit allows.
func ValidateFiatAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return invalid("fiat amount must be positive")
	}
	exp := types.MinorUnitExponent(currency)
	if !amount.Equal(amount.Truncate(exp)) {
		return invalid("%s amounts have at most %d decimal places", types.NormalizeCurrency(currency), exp)
	}
	return nil
}

// ValidateCurrency accepts three-letter ISO 4217 codes in any case.
func ValidateCurrency(currency string) error {
	if !currencyPattern.MatchString(types.NormalizeCurrency(currency)) {
		return invalid("invalid currency code %q", currency)
	}
	return nil
}

// ValidateReference checks the shape of a transaction reference: a 32-byte
// hex hash on EVM chains, a base58 signature on Solana.
func ValidateReference(reference string, network types.Network) error {
	if reference == "" {
		return invalid("transaction reference cannot be empty")
	}

	switch network.Family() {
	case types.ChainEVM:
		if !strings.HasPrefix(reference, "0x") || len(reference) != 66 || !hexPattern.MatchString(reference[2:]) {
			return invalid("EVM transaction hash must be 0x followed by 64 hex characters")
		}
	case types.ChainSolana:
		if _, err := solana.SignatureFromBase58(reference); err != nil {
			return invalid("invalid Solana transaction signature: %v", err)
		}
	default:
		return types.NewError(types.ErrUnsupportedNetwork, "unsupported network: "+network.String())
	}
	return nil
}

// ValidateAddressForNetwork validates a wallet address for the network's
// chain family.
func ValidateAddressForNetwork(address string, network types.Network) error {
	if address == "" {
		return invalid("address cannot be empty")
	}

	switch network.Family() {
	case types.ChainEVM:
		if !common.IsHexAddress(address) {
			return invalid("invalid EVM address %q", address)
		}
	case types.ChainSolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return invalid("invalid Solana address %q: %v", address, err)
		}
	default:
		return types.NewError(types.ErrUnsupportedNetwork, "unsupported network: "+network.String())
	}
	return nil
}

// ValidateTokenAddress validates an ERC-20 contract or SPL mint. Native
// coins have no address.
func ValidateTokenAddress(address string, network types.Network) error {
	if address == "" {
		return nil
	}
	return ValidateAddressForNetwork(address, network)
}
