package model

import (
	"fmt"
)

// ErrKeyNotFound is returned when removing a key that is not in the store
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found in storage: %s", e.Key)
}

// Is matches any ErrKeyNotFound, so errors.Is(err, ErrKeyNotFound{}) works
// regardless of the key.
func (e ErrKeyNotFound) Is(target error) bool {
	_, ok := target.(ErrKeyNotFound)
	return ok
}

// ErrDataNotFound is returned when a live key's pointer does not resolve to
// a value: the record is missing or is a tombstone.
type ErrDataNotFound struct {
	Key string
}

func (e ErrDataNotFound) Error() string {
	return fmt.Sprintf("data of key not found in storage: %s", e.Key)
}

func (e ErrDataNotFound) Is(target error) bool {
	_, ok := target.(ErrDataNotFound)
	return ok
}

// ErrInvalidCommand is returned when a record cannot be decoded as a Command
type ErrInvalidCommand struct {
	Reason string
}

func (e ErrInvalidCommand) Error() string {
	return fmt.Sprintf("invalid command: %s", e.Reason)
}

func (e ErrInvalidCommand) Is(target error) bool {
	_, ok := target.(ErrInvalidCommand)
	return ok
}
