package scheduler

import "errors"

var (
	ErrDuplicateRule = errors.New("rule already exists")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrInvalidRule   = errors.New("invalid rule")
)
