package ledger

import (
	"math/big"
	"regexp"
)

var integerAmount = regexp.MustCompile(`^[0-9]+$`)

// parseAmount accepts an unsigned base-10 integer string in the asset's smallest unit.
func parseAmount(raw string, positiveMsg string) (*big.Int, error) {
	if !integerAmount.MatchString(raw) {
		return nil, &AmountError{Reason: "amount must be a base-10 integer string"}
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, &AmountError{Reason: "amount must be a base-10 integer string"}
	}
	if n.Sign() <= 0 {
		return nil, &AmountError{Reason: positiveMsg}
	}
	return n, nil
}

// ParseBalance decodes a stored balance. Stored balances are never negative.
func ParseBalance(raw string) (*big.Int, bool) {
	if !integerAmount.MatchString(raw) {
		return nil, false
	}
	return new(big.Int).SetString(raw, 10)
}
