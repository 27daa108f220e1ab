package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/grafixsolutions/portal/pkg"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrUsernameTaken   = errors.New("username already exists")
)

type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{
		db: db,
	}
}

func (r *Repo) GetByUsername(ctx context.Context, accountType AccountType, username string) (*Account, error) {
	table, err := accountType.TableName()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(
		ctx,
		fmt.Sprintf(`SELECT id, full_name, job_role, contact_number, username, password, email FROM %s WHERE username = $1;`, table),
		username,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !rows.Next() {
		return nil, ErrAccountNotFound
	}

	var account Account
	if err := rows.Scan(
		&account.ID, &account.FullName, &account.JobRole, &account.ContactNumber,
		&account.Username, &account.PasswordHash, &account.Email,
	); err != nil {
		return nil, fmt.Errorf("rows scan: %w", err)
	}

	// table membership is the source of truth for the account type,
	// the stored column is never trusted on read
	account.AccountType = accountType

	return &account, nil
}

func (r *Repo) UsernameExists(ctx context.Context, accountType AccountType, username string) (bool, error) {
	table, err := accountType.TableName()
	if err != nil {
		return false, err
	}

	rows, err := r.db.Query(
		ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE username = $1;`, table),
		username,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if err := rows.Err(); err != nil {
		return false, err
	}

	return rows.Next(), nil
}

// Add inserts a new account into the table selected by its account type.
// A concurrent insert with the same username loses the race at the DB
// unique constraint and comes back as ErrUsernameTaken.
func (r *Repo) Add(ctx context.Context, account *Account) (*Account, error) {
	if account.Username == "" || account.PasswordHash == "" {
		return nil, errors.New("account username or password hash empty")
	}

	table, err := account.AccountType.TableName()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(
		ctx,
		fmt.Sprintf(`INSERT INTO %s (full_name, job_role, contact_number, username, password, email, account_type) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id;`, table),
		account.FullName, account.JobRole, account.ContactNumber,
		account.Username, account.PasswordHash, account.Email, account.AccountType,
	)
	if err != nil {
		if pkg.IsUniqueViolationError(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	defer rows.Close()

	if err := rows.Err(); err != nil {
		if pkg.IsUniqueViolationError(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	if !rows.Next() {
		return nil, errors.New("unexpected error [no rows next]")
	}

	var id int
	if err := rows.Scan(&id); err != nil {
		return nil, fmt.Errorf("rows scan: %w", err)
	}

	account.ID = id
	return account, nil
}
