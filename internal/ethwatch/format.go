package ethwatch

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	reTxHash  = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
	reEthAddr = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)
)

func WeiToEthString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetInt(wei)
	r.Quo(r, new(big.Rat).SetInt(weiPerEth))
	// 18 знаков слишком много для текста; обрежем до 6 после точки
	f, _ := r.Float64()
	return fmt.Sprintf("%.6f", f)
}

// FormatEther renders the exact amount without trailing zeros, e.g. "0.05 ETH".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0 ETH"
	}
	return decimal.NewFromBigInt(wei, -18).String() + " ETH"
}

func IsTxHash(s string) bool {
	return reTxHash.MatchString(strings.TrimSpace(s))
}

func IsEthAddress(s string) bool {
	return reEthAddr.MatchString(strings.TrimSpace(s))
}

// SameAddress compares hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
