package common

import "errors"

// Structural errors: retrying with the same inputs cannot succeed, so
// callers surface these immediately. Messages are stable because net/rpc
// flattens errors to strings; FromRPC maps them back.
var (
	ErrNotFound          = errors.New("file not found")
	ErrPathConflict      = errors.New("conflicting write in flight for path")
	ErrUnknownNode       = errors.New("datanode not registered")
	ErrInsufficientNodes = errors.New("no alive datanodes available")
	ErrChecksumMismatch  = errors.New("block checksum mismatch")
	ErrBlockNotFound     = errors.New("block not found")
	ErrDirectoryExists   = errors.New("directory already exists")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
)

// Failure categories owned by the protocol layers.
var (
	ErrWriteFailed    = errors.New("block write failed")
	ErrFileUnreadable = errors.New("all replicas exhausted for a block")
	ErrCorruptBlock   = errors.New("block data does not match checksum")
	ErrNoLiveReplicas = errors.New("block has no alive replicas")
	ErrRPCTimeout     = errors.New("rpc timed out")
)

var sentinels = []error{
	ErrNotFound,
	ErrPathConflict,
	ErrUnknownNode,
	ErrInsufficientNodes,
	ErrChecksumMismatch,
	ErrBlockNotFound,
	ErrDirectoryExists,
	ErrDirectoryNotEmpty,
	ErrWriteFailed,
	ErrFileUnreadable,
	ErrCorruptBlock,
	ErrNoLiveReplicas,
}

// FromRPC recovers the sentinel behind an error that crossed a net/rpc
// boundary, where only the message survives. Unrecognized errors are
// returned as-is.
func FromRPC(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, s := range sentinels {
		if msg == s.Error() {
			return s
		}
	}
	return err
}
