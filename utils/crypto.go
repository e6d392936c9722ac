package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/cryptopay/types"
)

// SignBody returns the hex HMAC-SHA256 of body under secret, as sent in the
// X-Signature header by point-of-sale terminals.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBodySignature reports whether signature is the hex HMAC-SHA256 of
// body. The comparison runs in constant time.
func VerifyBodySignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// NormalizeAddress returns the EIP-55 checksummed form of an EVM address,
// or "" when it is not one.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// NormalizeReference puts a reference in the form chain sources report it:
// lower-case hex for EVM hashes, unchanged base58 for Solana.
func NormalizeReference(reference string, network types.Network) string {
	reference = strings.TrimSpace(reference)
	if network.IsEVM() {
		return strings.ToLower(reference)
	}
	return reference
}
