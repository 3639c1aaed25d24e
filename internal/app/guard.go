package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/unipolo/boleto-service/internal/store"
)

// ErrNumberConflict is returned when a boleto number has already been reserved.
var ErrNumberConflict = errors.New("boleto number already in use")

// NumberGuard is the only authority on whether a boleto number may be used.
type NumberGuard struct {
	repo store.Repository
}

func NewNumberGuard(repo store.Repository) *NumberGuard {
	return &NumberGuard{repo: repo}
}

// Reserve claims number for good. Two concurrent calls for the same number cannot both succeed;
// the loser gets ErrNumberConflict. Any other error is an infrastructure failure.
func (g *NumberGuard) Reserve(ctx context.Context, number string) error {
	reserved, err := g.repo.ReserveBoletoNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("failed to reserve boleto number %s: %w", number, err)
	}
	if !reserved {
		return ErrNumberConflict
	}
	return nil
}
