package protocol

import "errors"

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrTruncated      = errors.New("truncated message")
)

// Disconnect reasons.
const (
	ReasonIdentifyTimeout = "E_IDENTIFY_TIMEOUT"
	ReasonBadIdentify     = "E_BAD_IDENTIFY"
	ReasonVersionMismatch = "E_VERSION_MISMATCH"
	ReasonMalformed       = "E_MALFORMED"
	ReasonUnexpected      = "E_UNEXPECTED_MESSAGE"
	ReasonNotSubscribed   = "E_NOT_SUBSCRIBED"
	ReasonTooManyChunks   = "E_TOO_MANY_CHUNKS"
	ReasonRateLimit       = "E_RATE_LIMIT"
	ReasonSlowConsumer    = "E_SLOW_CONSUMER"
	ReasonShutdown        = "E_SHUTDOWN"

	// Client-initiated.
	ReasonAssetMismatch = "E_ASSET_MISMATCH"
	ReasonMissingAsset  = "E_MISSING_ASSET"
)

var knownReasons = map[string]struct{}{
	ReasonIdentifyTimeout: {},
	ReasonBadIdentify:     {},
	ReasonVersionMismatch: {},
	ReasonMalformed:       {},
	ReasonUnexpected:      {},
	ReasonNotSubscribed:   {},
	ReasonTooManyChunks:   {},
	ReasonRateLimit:       {},
	ReasonSlowConsumer:    {},
	ReasonShutdown:        {},
	ReasonAssetMismatch:   {},
	ReasonMissingAsset:    {},
}

func IsKnownReason(reason string) bool {
	if reason == "" {
		return true
	}
	_, ok := knownReasons[reason]
	return ok
}
