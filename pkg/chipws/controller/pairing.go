package controller

import (
	"strings"
)

const qrPrefix = "MT:"

// validSetupCode accepts an 11 or 21 digit manual pairing code (dashes and
// spaces ignored) with a valid Verhoeff check digit, or an "MT:" QR payload.
func validSetupCode(code string) bool {
	if rest, ok := strings.CutPrefix(code, qrPrefix); ok {
		return validQRPayload(rest)
	}

	digits := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code)

	if len(digits) != 11 && len(digits) != 21 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	// Leading digits 8 and 9 are reserved.
	if digits[0] > '7' {
		return false
	}
	return verhoeffValid(digits)
}

// validQRPayload checks the base-38 alphabet and the minimum length of an
// encoded setup payload.
func validQRPayload(payload string) bool {
	if len(payload) < 19 {
		return false
	}
	for _, r := range payload {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

var verhoeffD = [10][10]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
	{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
	{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
	{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
	{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
	{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
	{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
	{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
	{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
}

var verhoeffP = [8][10]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
	{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
	{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
	{9, 4, 5, 3, 1, 2, 0, 7, 6, 8},
	{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
	{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
	{7, 0, 4, 2, 5, 8, 1, 6, 3, 9},
}

func verhoeffValid(digits string) bool {
	c := 0
	for i := 0; i < len(digits); i++ {
		digit := int(digits[len(digits)-1-i] - '0')
		c = verhoeffD[c][verhoeffP[i%8][digit]]
	}
	return c == 0
}
