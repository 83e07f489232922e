package store

import "errors"

var (
	ErrNotFound      = errors.New("query not found")
	ErrLinkNotFound  = errors.New("external link not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrOrderNotFound = errors.New("order not found")
)
