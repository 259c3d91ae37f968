package collection

import "errors"

var (
	// ErrAlreadyExists is returned when creating a collection whose name is taken.
	ErrAlreadyExists = errors.New("collection: collection already exists")

	// ErrNotFound is returned when the named collection does not exist.
	ErrNotFound = errors.New("collection: collection not found")

	// ErrDocumentNotFound is returned when the requested document does not exist.
	ErrDocumentNotFound = errors.New("collection: document not found")

	// ErrInvalidSchema is returned when a collection definition cannot be parsed
	// or is missing required fields.
	ErrInvalidSchema = errors.New("collection: invalid collection schema")

	// ErrInvalidDocument is returned when a document body is not a JSON object.
	ErrInvalidDocument = errors.New("collection: invalid document")

	// ErrLoad is returned when collections could not be loaded from disk.
	// This is fatal at startup.
	ErrLoad = errors.New("collection: failed to load collections")
)
