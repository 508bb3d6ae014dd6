package storage

import (
	"errors"
	"fmt"
)

// Sentinel constraint kinds. Backends wrap driver errors in *ConstraintError so
// callers can match with errors.Is regardless of the engine.
var (
	ErrForeignKey   = errors.New("referential integrity violation")
	ErrNotNull      = errors.New("not null violation")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// ConstraintError is a constraint failure reported by the storage engine.
type ConstraintError struct {
	Kind  error // one of ErrForeignKey, ErrNotNull, ErrDuplicateKey
	Table string
	Err   error // driver error
}

func (e *ConstraintError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Table, e.Kind, e.Err)
}

func (e *ConstraintError) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsConstraint reports whether err is any classified constraint failure.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// WrapConstraint returns err wrapped as a *ConstraintError when kind is non-nil,
// and err unchanged otherwise.
func WrapConstraint(table string, kind error, err error) error {
	if err == nil || kind == nil {
		return err
	}
	return &ConstraintError{Kind: kind, Table: table, Err: err}
}
