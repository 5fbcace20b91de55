package escrow

import "errors"

var (
	// ErrUnauthorized is wrapped by every authorization failure together
	// with the offending account and the role or identity it is missing.
	ErrUnauthorized = errors.New("escrow engine: unauthorized")
	// ErrInvalidStatus reports an operation attempted against a trade that
	// is not in the required source state.
	ErrInvalidStatus = errors.New("escrow engine: status transition not allowed")
	// ErrGSTUnverified reports a release attempt before both parties have
	// cleared tax-compliance verification.
	ErrGSTUnverified = errors.New("escrow engine: gst verification incomplete")
	// ErrTradeNotFound reports a lookup for an unknown trade identifier.
	ErrTradeNotFound = errors.New("escrow engine: trade not found")
	// ErrAlreadyPaused reports a pause attempt while the breaker is
	// already engaged.
	ErrAlreadyPaused = errors.New("escrow engine: already paused")
	// ErrNotPaused reports an unpause attempt while the breaker is not
	// engaged.
	ErrNotPaused = errors.New("escrow engine: not paused")

	errNilState = errors.New("escrow engine: state not configured")
)
