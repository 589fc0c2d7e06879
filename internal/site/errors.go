package site

import "errors"

// Sentinel errors for the site service layer.
var (
	ErrNotFound        = errors.New("website not found")
	ErrDuplicateDomain = errors.New("website already registered for this account")
	ErrInvalidDomain   = errors.New("invalid website domain")
)
