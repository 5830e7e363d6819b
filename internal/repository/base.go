// Package repository provides data access over the remote table service.
package repository

import (
	"fmt"

	"smallsite/internal/remote"
)

// Querier starts table queries. *remote.Rest implements it.
type Querier interface {
	From(table string) *remote.Query
}

type validator interface {
	Validate() error
}

// validateRows rejects a response containing a row that lacks a required field.
func validateRows[T any, P interface {
	*T
	validator
}](table string, rows []T) error {
	for i := range rows {
		if err := P(&rows[i]).Validate(); err != nil {
			return fmt.Errorf("%s row %d: %w", table, i, err)
		}
	}
	return nil
}
