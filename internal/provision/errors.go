package provision

import (
	"fmt"

	"fieldlab-api/internal/storage"
)

// ValidationError reports a payload that cannot be provisioned. Nothing was
// written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DuplicateIdentifierError is returned when every attempt generated an
// identifier that another sample claimed first.
type DuplicateIdentifierError struct {
	Identifier string
	Attempts   int
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("identifier %s already exists after %d attempts", e.Identifier, e.Attempts)
}

func (e *DuplicateIdentifierError) Unwrap() error {
	return storage.ErrDuplicateIdentifier
}

// StoreError wraps a failure of the sample store or the prefix lock.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("sample store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
