// Package errorkind centralizes the error vocabulary used across the stack.
package errorkind

import "errors"

// Kind identifies one of the closed set of error conditions this stack can
// surface. Several map directly onto a SOME/IP return_code.
type Kind uint8

const (
	KindNone Kind = iota
	KindConfigurationMissing
	KindPortConfigurationMissing
	KindClientEndpointCreationFailed
	KindServerEndpointCreationFailed
	KindServicePropertyMismatch
	KindMalformedMessage
	KindUnknownService
	KindUnknownMethod
	KindNotReady
	KindNotReachable
	KindTimeout
	KindWrongProtocolVersion
	KindWrongInterfaceVersion
)

var (
	ErrConfigurationMissing         = errors.New("configuration missing")
	ErrPortConfigurationMissing     = errors.New("port configuration missing")
	ErrClientEndpointCreationFailed = errors.New("client endpoint creation failed")
	ErrServerEndpointCreationFailed = errors.New("server endpoint creation failed")
	ErrServicePropertyMismatch      = errors.New("service property mismatch")
	ErrMalformedMessage             = errors.New("malformed message")
	ErrUnknownService               = errors.New("unknown service")
	ErrUnknownMethod                = errors.New("unknown method")
	ErrNotReady                     = errors.New("service not ready")
	ErrNotReachable                 = errors.New("destination not reachable")
	ErrTimeout                      = errors.New("operation timed out")
	ErrWrongProtocolVersion         = errors.New("wrong protocol version")
	ErrWrongInterfaceVersion        = errors.New("wrong interface version")
)

var kindErrors = map[Kind]error{
	KindConfigurationMissing:         ErrConfigurationMissing,
	KindPortConfigurationMissing:     ErrPortConfigurationMissing,
	KindClientEndpointCreationFailed: ErrClientEndpointCreationFailed,
	KindServerEndpointCreationFailed: ErrServerEndpointCreationFailed,
	KindServicePropertyMismatch:      ErrServicePropertyMismatch,
	KindMalformedMessage:             ErrMalformedMessage,
	KindUnknownService:               ErrUnknownService,
	KindUnknownMethod:                ErrUnknownMethod,
	KindNotReady:                     ErrNotReady,
	KindNotReachable:                 ErrNotReachable,
	KindTimeout:                      ErrTimeout,
	KindWrongProtocolVersion:         ErrWrongProtocolVersion,
	KindWrongInterfaceVersion:        ErrWrongInterfaceVersion,
}

// returnCodes maps the subset of kinds that correspond 1:1 to a SOME/IP
// wire return_code. The rest (configuration/endpoint failures) never reach
// the wire, so they have no return_code.
var returnCodes = map[Kind]byte{
	KindNone:                  0x00, // OK
	KindUnknownService:        0x02,
	KindUnknownMethod:         0x03,
	KindNotReady:              0x04,
	KindNotReachable:          0x05,
	KindTimeout:               0x06,
	KindWrongProtocolVersion:  0x07,
	KindWrongInterfaceVersion: 0x08,
	KindMalformedMessage:      0x09,
}

// Error returns the sentinel error value for kind, or nil for KindNone.
func (k Kind) Error() error {
	if k == KindNone {
		return nil
	}
	return kindErrors[k]
}

// ReturnCode returns the wire return_code for kind and true if kind maps to
// one.
func (k Kind) ReturnCode() (byte, bool) {
	rc, ok := returnCodes[k]
	return rc, ok
}

// FromReturnCode maps a wire return_code back to its sentinel error, or nil
// for OK and codes with no mapped kind.
func FromReturnCode(rc byte) error {
	for kind, code := range returnCodes {
		if code == rc && kind != KindNone {
			return kindErrors[kind]
		}
	}
	return nil
}

// KindOf walks err's wrapping chain and returns the first recognized Kind,
// or KindNone if none of the sentinels in this package match.
func KindOf(err error) Kind {
	for kind, sentinel := range kindErrors {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNone
}
