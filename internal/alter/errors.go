package alter

import "errors"

var (
	// ErrDuplicateName is returned when a rollup or MV name is already in use.
	ErrDuplicateName = errors.New("name already in use")
	// ErrInvalidSchema is returned when requested columns violate the key model.
	ErrInvalidSchema = errors.New("invalid rollup schema")
	// ErrTableNotNormal is returned when a table is not in a state that allows the change.
	ErrTableNotNormal = errors.New("table is not in NORMAL state")
	// ErrConflict is returned when another operation on the table prevents the change.
	ErrConflict = errors.New("conflicting operation in progress")
	// ErrNotFound is returned when a database, table or index does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported is returned for requests the table type cannot serve.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrJobNotFound is returned when no job matches a cancel request.
	ErrJobNotFound = errors.New("alter job not found")
	// ErrInvalidProperty is returned for unknown or malformed properties.
	ErrInvalidProperty = errors.New("invalid property")
)
