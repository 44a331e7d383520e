package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, username, phone_number, credits, initial_charge_applied, last_charge_time, created_at, updated_at`

// CreateAccount inserts a new credit account.
func (r *PostgresRepository) CreateAccount(ctx context.Context, acc Account) (*Account, error) {
	q := `
INSERT INTO accounts (username, phone_number, credits)
VALUES ($1, $2, $3)
RETURNING ` + accountColumns + `;`
	created, err := scanAccount(r.pool.QueryRow(ctx, q, acc.Username, acc.PhoneNumber, acc.Credits))
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

// GetAccountByPhone loads the account bound to phone.
func (r *PostgresRepository) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE phone_number = $1 LIMIT 1;`
	acc, err := scanAccount(r.pool.QueryRow(ctx, q, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// ApplyInitialCharge performs the one-time connect charge.
func (r *PostgresRepository) ApplyInitialCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	const q = `
UPDATE accounts
SET credits = GREATEST(credits - $2, 0),
    initial_charge_applied = TRUE,
    last_charge_time = $3,
    updated_at = NOW()
WHERE phone_number = $1
  AND initial_charge_applied = FALSE
  AND credits >= $2;
`
	ct, err := r.pool.Exec(ctx, q, phone, amount, at)
	if err != nil {
		return ChargeInsufficient, fmt.Errorf("apply initial charge: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return ChargeApplied, nil
	}
	return r.explainMiss(ctx, phone, true)
}

// ApplyPeriodicCharge performs one metered deduction.
func (r *PostgresRepository) ApplyPeriodicCharge(ctx context.Context, phone string, amount int64, at time.Time) (ChargeOutcome, error) {
	const q = `
UPDATE accounts
SET credits = GREATEST(credits - $2, 0),
    last_charge_time = $3,
    updated_at = NOW()
WHERE phone_number = $1
  AND credits >= $2;
`
	ct, err := r.pool.Exec(ctx, q, phone, amount, at)
	if err != nil {
		return ChargeInsufficient, fmt.Errorf("apply periodic charge: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return ChargeApplied, nil
	}
	return r.explainMiss(ctx, phone, false)
}

// explainMiss tells apart a missing account, an already applied initial
// charge and an insufficient balance after a conditional update touched no row.
func (r *PostgresRepository) explainMiss(ctx context.Context, phone string, initial bool) (ChargeOutcome, error) {
	acc, err := r.GetAccountByPhone(ctx, phone)
	if err != nil {
		return ChargeInsufficient, err
	}
	if initial && acc.InitialChargeApplied {
		return ChargeAlreadyApplied, nil
	}
	return ChargeInsufficient, nil
}

// ResetInitialCharge clears the initial charge flag.
func (r *PostgresRepository) ResetInitialCharge(ctx context.Context, phone string) error {
	const q = `UPDATE accounts SET initial_charge_applied = FALSE, updated_at = NOW() WHERE phone_number = $1`
	ct, err := r.pool.Exec(ctx, q, phone)
	if err != nil {
		return fmt.Errorf("reset initial charge: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCredits increases the balance by amount.
func (r *PostgresRepository) AddCredits(ctx context.Context, phone string, amount int64) (*Account, error) {
	q := `
UPDATE accounts
SET credits = credits + $2, updated_at = NOW()
WHERE phone_number = $1
RETURNING ` + accountColumns + `;`
	acc, err := scanAccount(r.pool.QueryRow(ctx, q, phone, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("add credits: %w", err)
	}
	return acc, nil
}

func scanAccount(row rowScanner) (*Account, error) {
	var acc Account
	if err := row.Scan(
		&acc.ID,
		&acc.Username,
		&acc.PhoneNumber,
		&acc.Credits,
		&acc.InitialChargeApplied,
		&acc.LastChargeTime,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &acc, nil
}
