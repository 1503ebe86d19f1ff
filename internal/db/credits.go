package db

import (
	"context"
	"fmt"

	"github.com/jonathan/scene-rewriter/internal/engine"
)

// -----------------------------------------------------------------------------
// Credits
// -----------------------------------------------------------------------------

// ConsumeCredit implements rewriting.Store. Accounts without a row are unmetered.
func (db *DB) ConsumeCredit(ctx context.Context, account string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE credit_balances SET balance = balance - 1, updated_at = NOW()
		 WHERE account = $1 AND balance > 0`,
		account,
	)
	if err != nil {
		return fmt.Errorf("failed to consume credit: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	_, metered, err := db.Credits(ctx, account)
	if err != nil {
		return err
	}
	if metered {
		return fmt.Errorf("%w: account %q has no credits left", engine.ErrCreditsExhausted, account)
	}
	return nil
}

// SetCredits sets the balance of account, making it metered
func (db *DB) SetCredits(ctx context.Context, account string, balance int) error {
	if balance < 0 {
		return fmt.Errorf("balance must not be negative, got %d", balance)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO credit_balances (account, balance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = $2, updated_at = NOW()`,
		account, balance,
	)
	if err != nil {
		return fmt.Errorf("failed to set credits: %w", err)
	}
	return nil
}

// Credits returns the balance of account and whether it is metered
func (db *DB) Credits(ctx context.Context, account string) (int, bool, error) {
	var balance int
	err := db.pool.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE account = $1`, account).Scan(&balance)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get credits: %w", err)
	}
	return balance, true, nil
}
