package tg

import (
	"errors"
	"strings"

	"github.com/pvzzle/cryptopay/internal/ethwatch"
)

var ErrBadHash = errors.New("invalid transaction hash")

// commandArg returns the first argument of a bot command: "/payment 0xabc" -> "0xabc".
// A "@botname" suffix on the command is ignored.
func commandArg(text string) string {
	fields := strings.Fields(text)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	return fields[1]
}

// ParseTxHash validates and normalizes a hash typed by an operator.
func ParseTxHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !ethwatch.IsTxHash(s) {
		return "", ErrBadHash
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return strings.ToLower(s), nil
}
