package entitlement

import "errors"

var (
	ErrInvalidIdentity    = errors.New("entitlement: invalid identity")
	ErrVerificationFailed = errors.New("entitlement: payment verification failed")
	ErrGateway            = errors.New("entitlement: payment gateway error")
	ErrGatewayTimeout     = errors.New("entitlement: payment gateway timed out")
)

// GatewayError is a failed call to the payment gateway. It matches
// ErrGateway, and ErrGatewayTimeout when the call ran out of time.
type GatewayError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *GatewayError) Error() string {
	if e.Timeout {
		return "gateway " + e.Op + ": timed out: " + e.Err.Error()
	}
	return "gateway " + e.Op + ": " + e.Err.Error()
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGateway:
		return true
	case ErrGatewayTimeout:
		return e.Timeout
	}
	return false
}

// VerificationError is a rejected payment confirmation. Reason is safe to
// log and count; Err holds the underlying cause.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	return "verification failed (" + e.Reason + "): " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) Is(target error) bool { return target == ErrVerificationFailed }
