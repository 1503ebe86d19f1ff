package rewriting

import "context"

type accountKey struct{}

// WithAccount returns a context carrying the account that is charged for rewrites
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}

// AccountFrom returns the account stored by WithAccount, or "" when there is none
func AccountFrom(ctx context.Context) string {
	account, _ := ctx.Value(accountKey{}).(string)
	return account
}
