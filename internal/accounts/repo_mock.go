package accounts

import (
	"context"
	"sync"
)

type repoMock struct {
	mutex  sync.Mutex
	nextID int
	tables map[AccountType]map[string]*Account
}

func NewMockAccountsRepo() *repoMock {
	return &repoMock{
		nextID: 1,
		tables: map[AccountType]map[string]*Account{
			AccountTypeUser:  {},
			AccountTypeAdmin: {},
		},
	}
}

func (r *repoMock) GetByUsername(_ context.Context, accountType AccountType, username string) (*Account, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	table, ok := r.tables[accountType]
	if !ok {
		return nil, ErrInvalidAccountType
	}
	account, ok := table[username]
	if !ok {
		return nil, ErrAccountNotFound
	}

	accountCopy := *account
	accountCopy.AccountType = accountType
	return &accountCopy, nil
}

func (r *repoMock) UsernameExists(_ context.Context, accountType AccountType, username string) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	table, ok := r.tables[accountType]
	if !ok {
		return false, ErrInvalidAccountType
	}
	_, exists := table[username]
	return exists, nil
}

func (r *repoMock) Add(_ context.Context, account *Account) (*Account, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	table, ok := r.tables[account.AccountType]
	if !ok {
		return nil, ErrInvalidAccountType
	}
	if _, exists := table[account.Username]; exists {
		return nil, ErrUsernameTaken
	}

	account.ID = r.nextID
	r.nextID++
	table[account.Username] = account
	return account, nil
}
