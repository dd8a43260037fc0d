package filesystem

import (
	"context"
	"errors"

	model "github.com/cloudreve/davcore/models"
	"github.com/jinzhu/gorm"
)

// Authenticator verifies credentials and returns the matching account.
type Authenticator interface {
	Authenticate(ctx context.Context, user, pass string) (*Account, error)
}

// StaticAuthenticator checks credentials against a fixed user/password table.
type StaticAuthenticator map[string]string

func (s StaticAuthenticator) Authenticate(ctx context.Context, user, pass string) (*Account, error) {
	expected, ok := s[user]
	if !ok || expected != pass {
		return nil, ErrAuthFailed
	}
	return &Account{Name: user}, nil
}

type dbAuthenticator struct {
	accounts model.AccountClient
}

// NewDBAuthenticator checks credentials against the DAV account table.
func NewDBAuthenticator(accounts model.AccountClient) Authenticator {
	return &dbAuthenticator{accounts: accounts}
}

func (d *dbAuthenticator) Authenticate(ctx context.Context, user, pass string) (*Account, error) {
	account, err := d.accounts.GetByName(ctx, user)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthFailed
		}
		return nil, ErrAuthFailed.WithError(err)
	}

	if ok, _ := account.CheckPassword(pass); !ok {
		return nil, ErrAuthFailed
	}

	return &Account{
		Name:     account.Name,
		Root:     account.Root,
		ReadOnly: account.Readonly,
	}, nil
}
