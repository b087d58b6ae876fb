package web3

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ValidAddress reports whether value is a well-formed hex EVM address.
func ValidAddress(value string) bool {
	return common.IsHexAddress(strings.TrimSpace(value))
}

// ValidatePrivateKey checks that value parses as a secp256k1 private key.
// The key itself is never logged or returned.
func ValidatePrivateKey(value string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	_, err := crypto.HexToECDSA(trimmed)
	return err
}
