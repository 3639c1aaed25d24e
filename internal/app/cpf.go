package app

import "strings"

// NormalizeCPF strips every non-digit character.
func NormalizeCPF(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidateCPF reports whether raw is a well-formed CPF. Punctuation is ignored.
// It never fails with an error: anything unparseable is simply invalid.
func ValidateCPF(raw string) bool {
	digits := NormalizeCPF(raw)
	if len(digits) != 11 {
		return false
	}

	allSame := true
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return false
	}

	return cpfCheckDigit(digits[:9]) == int(digits[9]-'0') &&
		cpfCheckDigit(digits[:10]) == int(digits[10]-'0')
}

// cpfCheckDigit computes the mod-11 verifier for the given prefix (9 or 10 digits).
func cpfCheckDigit(prefix string) int {
	sum := 0
	weight := len(prefix) + 1
	for i := 0; i < len(prefix); i++ {
		sum += int(prefix[i]-'0') * weight
		weight--
	}
	rest := sum % 11
	if rest < 2 {
		return 0
	}
	return 11 - rest
}
