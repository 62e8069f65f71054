package someip

import "github.com/go-someip/someip/pkg/errorkind"

// Re-exported for callers that only need the sentinel, not the full
// errorkind.Kind machinery.
var (
	ErrMalformedMessage      = errorkind.ErrMalformedMessage
	ErrUnknownService        = errorkind.ErrUnknownService
	ErrUnknownMethod         = errorkind.ErrUnknownMethod
	ErrNotReady              = errorkind.ErrNotReady
	ErrNotReachable          = errorkind.ErrNotReachable
	ErrTimeout               = errorkind.ErrTimeout
	ErrWrongProtocolVersion  = errorkind.ErrWrongProtocolVersion
	ErrWrongInterfaceVersion = errorkind.ErrWrongInterfaceVersion
)
