package blockmap

import "errors"

// Registry error types.
var (
	ErrInvalidReplication = errors.New("replication factor must be at least 1")
	ErrFileExists         = errors.New("file already tracked")
	ErrFileNotFound       = errors.New("file not found")
	ErrBlockNotFound      = errors.New("block not found")
	ErrUnknownReplica     = errors.New("replica location not known for block")
	ErrInvariantViolation = errors.New("block accounting invariant violated")
)
