package types

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the lowercased all-zero address
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lowercases and trims an address and ensures the 0x prefix.
// It does not validate.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// ValidAddress reports whether addr is a well-formed 20-byte hex address
// with the 0x prefix.
func ValidAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsZeroAddress reports whether addr is the zero address
func IsZeroAddress(addr string) bool {
	return NormalizeAddress(addr) == ZeroAddress
}
