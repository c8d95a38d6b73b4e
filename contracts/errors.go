package contracts

import "errors"

var (
	// ErrNilEnvelope is returned when a nil envelope is validated or published.
	ErrNilEnvelope = errors.New("contracts: envelope is nil")

	// ErrEmptyID is returned when an envelope has no id.
	ErrEmptyID = errors.New("contracts: envelope id is empty")

	// ErrEmptyType is returned when an envelope has no type.
	ErrEmptyType = errors.New("contracts: envelope type is empty")

	// ErrEmptyData is returned when an envelope payload is requested but absent.
	ErrEmptyData = errors.New("contracts: envelope data is empty")

	// ErrMalformedEnvelope is returned when a wire message cannot be
	// deserialized into a valid envelope.
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")
)
