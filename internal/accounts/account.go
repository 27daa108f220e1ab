package accounts

import (
	"errors"

	"github.com/grafixsolutions/portal/internal/auth"
)

var ErrInvalidAccountType = errors.New("invalid account type")

// AccountType selects which of the two account tables an account lives
// in. The enum is closed: table names are resolved only through
// TableName, never from request input.
type AccountType string

const (
	AccountTypeUser  AccountType = "user"
	AccountTypeAdmin AccountType = "admin"
)

func ParseAccountType(accountType string) (AccountType, error) {
	switch AccountType(accountType) {
	case AccountTypeUser:
		return AccountTypeUser, nil
	case AccountTypeAdmin:
		return AccountTypeAdmin, nil
	default:
		return "", ErrInvalidAccountType
	}
}

func (at AccountType) TableName() (string, error) {
	switch at {
	case AccountTypeUser:
		return "user_account", nil
	case AccountTypeAdmin:
		return "admin_account", nil
	default:
		return "", ErrInvalidAccountType
	}
}

type Account struct {
	ID            int         `json:"id"`
	FullName      string      `json:"full_name"`
	JobRole       string      `json:"job_role"`
	ContactNumber string      `json:"contact_number"`
	Username      string      `json:"username"`
	PasswordHash  string      `json:"-"`
	Email         string      `json:"email"`
	AccountType   AccountType `json:"account_type"`
}

// SessionUser returns the projection stored in the session; it carries
// no password hash or contact data.
func (a *Account) SessionUser() auth.SessionUser {
	return auth.SessionUser{
		ID:          a.ID,
		Username:    a.Username,
		Email:       a.Email,
		FullName:    a.FullName,
		JobRole:     a.JobRole,
		AccountType: string(a.AccountType),
	}
}
