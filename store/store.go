// Package store persists the credential pair and the cached profile.
package store

import (
	"context"
	"fmt"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/token"
)

// Store is a durable holder for the credential pair and the cached profile. Implementations must
// replace both halves of the pair in a single atomic step so no reader observes a mix of old and
// new credentials. All methods are safe for concurrent use.
type Store interface {
	// Get returns the stored pair. ok is false when nothing is stored.
	Get(ctx context.Context) (pair token.Pair, ok bool, err error)
	// Set atomically replaces the stored pair.
	Set(ctx context.Context, pair token.Pair) error
	// Clear removes the stored pair. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
	// Profile returns the cached profile, or nil if none is cached.
	Profile(ctx context.Context) (*common.Profile, error)
	SetProfile(ctx context.Context, p *common.Profile) error
	ClearProfile(ctx context.Context) error
	Close() error
}

// StorageError is a failure of the storage medium. It is non-fatal: callers treat the session as
// anonymous.
type StorageError struct {
	Op  string // "get", "set", "clear", ...
	Key string
	Err error
}

func (e *StorageError) Error() string {
	msg := "credential store " + e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, common.ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == common.ErrStorage
}

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Kind names a Store implementation in configuration.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindRedis  Kind = "redis"
)

func (k Kind) Validate() error {
	switch k {
	case KindMemory, KindFile, KindRedis:
		return nil
	default:
		return fmt.Errorf("unknown store kind %q", string(k))
	}
}
