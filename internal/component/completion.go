package component

// CompletionCode is the batch-level result handed to the caller's completion
// callback (§4.1, §7). It is almost always None; the other values are
// reserved for the listed failure modes.
type CompletionCode int

const (
	CompletionNone CompletionCode = iota
	CompletionUpdateInProgress
	CompletionUpdateCanceled
	CompletionRetryLater
	CompletionServiceError
	CompletionUpdateCheckError
	CompletionCRXNotFound
	CompletionInvalidArgument
	CompletionBadCrxDataCallback
)

func (c CompletionCode) String() string {
	switch c {
	case CompletionNone:
		return "none"
	case CompletionUpdateInProgress:
		return "update_in_progress"
	case CompletionUpdateCanceled:
		return "update_canceled"
	case CompletionRetryLater:
		return "retry_later"
	case CompletionServiceError:
		return "service_error"
	case CompletionUpdateCheckError:
		return "update_check_error"
	case CompletionCRXNotFound:
		return "crx_not_found"
	case CompletionInvalidArgument:
		return "invalid_argument"
	case CompletionBadCrxDataCallback:
		return "bad_crx_data_callback"
	default:
		return "unknown"
	}
}
