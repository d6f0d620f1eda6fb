package ingest

import "errors"

var (
	// ErrSetup marks failures before any batch ran: config, credentials,
	// or the destination schema.
	ErrSetup = errors.New("ingest: setup failed")
	// ErrInvalidRange is returned for unparseable or reversed dates.
	ErrInvalidRange = errors.New("ingest: invalid date range")
	// ErrUnknownDriver is returned for an unsupported warehouse driver.
	ErrUnknownDriver = errors.New("ingest: unknown warehouse driver")
)
