// Provides common mrindex error definitions.
package mrerrors

import "errors"

var (
	ErrStorageCorrupted = errors.New("mrindex: storage corrupted")
	ErrIndexUnavailable = errors.New("mrindex: index unavailable, rebuild required")
	ErrDisposed         = errors.New("mrindex: index disposed")
	ErrCanceled         = errors.New("mrindex: operation canceled")
	ErrReadOnly         = errors.New("mrindex: index is read-only")
	ErrLocked           = errors.New("mrindex: index files are held by another owner")

	ErrSymbolNotFound = errors.New("mrindex: symbol id not found")
	ErrUnknownSymbol  = errors.New("mrindex: unknown symbol in serialized tree")
	ErrFormatVersion  = errors.New("mrindex: unrecognized tree format version")
	ErrMalformedTree  = errors.New("mrindex: malformed serialized tree")
)
