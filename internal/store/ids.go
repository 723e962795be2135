package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidObjectID indicates that an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("store: invalid object id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("store: invalid actor id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("store: invalid device id")
	// ErrInvalidTransactionID indicates that a transaction identifier is not a valid ULID.
	ErrInvalidTransactionID = errors.New("store: invalid transaction id")
)

// ObjectID represents a validated object identifier.
type ObjectID string

// NewObjectID validates raw input and returns an ObjectID.
func NewObjectID(rawInput string) (ObjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectID, maxIdentifierLength)
	}
	return ObjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ObjectID) String() string {
	return string(id)
}

// ActorID represents a validated actor (user) identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// TransactionID represents a validated, sortable transaction identifier.
// Identifiers are ULIDs assigned at creation time, so the creation order of
// transactions is recoverable from lexicographic id order alone.
type TransactionID string

// NewTransactionID validates raw input and returns a TransactionID.
func NewTransactionID(rawInput string) (TransactionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTransactionID)
	}
	if _, err := ulid.ParseStrict(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransactionID, err)
	}
	return TransactionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TransactionID) String() string {
	return string(id)
}

// IDProvider issues identifiers for newly created rows.
type IDProvider interface {
	NewObjectID() (string, error)
	NewTransactionID() (string, error)
}

type ulidProvider struct{}

// NewULIDProvider constructs an IDProvider issuing UUIDv7 object ids and
// monotonic-enough ULID transaction ids.
func NewULIDProvider() IDProvider {
	return &ulidProvider{}
}

func (p *ulidProvider) NewObjectID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (p *ulidProvider) NewTransactionID() (string, error) {
	return ulid.Make().String(), nil
}
