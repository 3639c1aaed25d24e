package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unipolo/boleto-service/internal/store"
)

const (
	numberDateLayout  = "20060102"
	sequenceDigits    = 4
	maxSequenceNumber = 9999
	maxBoletoNumber   = 32
)

var (
	ErrSequenceExhausted = errors.New("boleto number sequence exhausted for the day")
	ErrInvalidCount      = errors.New("count must be positive")
)

// GenerateNumbers proposes count numbers of the form YYYYMMDD + 4-digit sequence starting at 0001.
func GenerateNumbers(count int, dateSeed time.Time) ([]string, error) {
	return GenerateNumbersFrom(dateSeed, 1, count)
}

// GenerateNumbersFrom is GenerateNumbers with an explicit first sequence value.
func GenerateNumbersFrom(dateSeed time.Time, start, count int) ([]string, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	if start < 1 {
		start = 1
	}
	if start+count-1 > maxSequenceNumber {
		return nil, ErrSequenceExhausted
	}

	prefix := dateSeed.Format(numberDateLayout)
	numbers := make([]string, count)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("%s%0*d", prefix, sequenceDigits, start+i)
	}
	return numbers, nil
}

// GenerateDueDates returns count dates spaced one calendar month apart starting at base.
// The day of month is preserved and clamped to the last day of shorter months.
func GenerateDueDates(base time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}
	dates := make([]time.Time, count)
	for i := range dates {
		dates[i] = AddMonthsClamped(base, i)
	}
	return dates
}

// AddMonthsClamped advances t by months calendar months without overflowing into the next month.
func AddMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	lastDay := time.Date(year, month+time.Month(months)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month+time.Month(months), day, 0, 0, 0, 0, t.Location())
}

// ValidateBoletoNumber checks a caller-supplied number: letters, digits and '-' only.
func ValidateBoletoNumber(number string) error {
	if number == "" {
		return errors.New("boleto number is required")
	}
	if len(number) > maxBoletoNumber {
		return fmt.Errorf("boleto number longer than %d characters", maxBoletoNumber)
	}
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
		default:
			return fmt.Errorf("boleto number contains invalid character %q", r)
		}
	}
	return nil
}

// SequenceGenerator proposes numbers that continue after the highest number already reserved
// for the same day. Proposals are not reservations; NumberGuard decides.
type SequenceGenerator struct {
	repo store.Repository
	now  func() time.Time
}

func NewSequenceGenerator(repo store.Repository) *SequenceGenerator {
	return &SequenceGenerator{repo: repo, now: time.Now}
}

// NextNumbers proposes count numbers seeded with the current date.
func (g *SequenceGenerator) NextNumbers(ctx context.Context, count int) ([]string, error) {
	return g.NextNumbersFor(ctx, g.now(), count)
}

// NextNumbersFor proposes count numbers for dateSeed's day.
func (g *SequenceGenerator) NextNumbersFor(ctx context.Context, dateSeed time.Time, count int) ([]string, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	prefix := dateSeed.Format(numberDateLayout)
	highest, err := g.repo.FindHighestBoletoNumber(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to read highest boleto number: %w", err)
	}

	start := 1
	if highest != "" {
		seq, convErr := strconv.Atoi(strings.TrimPrefix(highest, prefix))
		if convErr == nil {
			start = seq + 1
		}
	}
	return GenerateNumbersFrom(dateSeed, start, count)
}
