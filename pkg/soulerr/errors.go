// Package soulerr defines the error taxonomy shared across every Soulprint
// component. Every failure maps to exactly one Kind; HTTP handlers switch on
// Kind to pick a status code instead of matching error strings.
package soulerr

import "fmt"

// Kind groups errors into the categories the protocol assigns a single HTTP
// status range to.
type Kind int

const (
	KindValidation Kind = iota
	KindPolicy
	KindConsensus
	KindDPoP
	KindTransport
	KindDurability
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindConsensus:
		return "consensus"
	case KindDPoP:
		return "dpop"
	case KindTransport:
		return "transport"
	case KindDurability:
		return "durability"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every Soulprint package.
// Reason is the stable, named failure (e.g. "CooldownActive") that callers
// and tests match on; Msg is a human-readable elaboration.
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, reason, msg string) *Error {
	return &Error{Kind: k, Reason: reason, Msg: msg}
}

func wrapErr(k Kind, reason, msg string, cause error) *Error {
	return &Error{Kind: k, Reason: reason, Msg: msg, Cause: cause}
}

// Validation kind.
func InvalidDID(msg string) *Error       { return newErr(KindValidation, "InvalidDID", msg) }
func InvalidSignature(msg string) *Error { return newErr(KindValidation, "InvalidSignature", msg) }
func InvalidValue(msg string) *Error     { return newErr(KindValidation, "InvalidValue", msg) }
func MalformedToken(msg string) *Error   { return newErr(KindValidation, "MalformedToken", msg) }

// Policy kind.
func IssuerNotAuthorized(msg string) *Error { return newErr(KindPolicy, "IssuerNotAuthorized", msg) }
func CooldownActive(msg string) *Error      { return newErr(KindPolicy, "CooldownActive", msg) }
func SameIssuerTarget(msg string) *Error    { return newErr(KindPolicy, "SameIssuerTarget", msg) }
func ScoreBelowFloor(msg string) *Error     { return newErr(KindPolicy, "ScoreBelowFloor", msg) }
func RenewNotPermitted(msg string) *Error   { return newErr(KindPolicy, "RenewNotPermitted", msg) }

// Consensus kind.
func InvalidProof(msg string) *Error         { return newErr(KindConsensus, "InvalidProof", msg) }
func NullifierAlreadyUsed(msg string) *Error { return newErr(KindConsensus, "NullifierAlreadyUsed", msg) }
func QuorumNotReached(msg string) *Error     { return newErr(KindConsensus, "QuorumNotReached", msg) }
func Conflict(msg string) *Error             { return newErr(KindConsensus, "Conflict", msg) }
func Timeout(msg string) *Error              { return newErr(KindConsensus, "Timeout", msg) }

// Proof-of-possession kind.
func DPoPMalformed(msg string) *Error      { return newErr(KindDPoP, "DPoPMalformed", msg) }
func DPoPExpired(msg string) *Error        { return newErr(KindDPoP, "DPoPExpired", msg) }
func DPoPReplay(msg string) *Error         { return newErr(KindDPoP, "DPoPReplay", msg) }
func DPoPMethodMismatch(msg string) *Error { return newErr(KindDPoP, "DPoPMethodMismatch", msg) }
func DPoPURLMismatch(msg string) *Error    { return newErr(KindDPoP, "DPoPURLMismatch", msg) }
func DPoPSPTHashMismatch(msg string) *Error {
	return newErr(KindDPoP, "DPoPSPTHashMismatch", msg)
}
func DPoPDIDMismatch(msg string) *Error    { return newErr(KindDPoP, "DPoPDIDMismatch", msg) }
func DPoPBadSignature(msg string) *Error   { return newErr(KindDPoP, "DPoPBadSignature", msg) }

// Transport kind.
func PeerUnreachable(msg string, cause error) *Error {
	return wrapErr(KindTransport, "PeerUnreachable", msg, cause)
}
func ProtocolHashMismatch(msg string) *Error {
	return newErr(KindTransport, "ProtocolHashMismatch", msg)
}

// Durability kind. Soft failure: callers queue and move on, never surface
// this to the original client.
func LedgerUnavailable(msg string, cause error) *Error {
	return wrapErr(KindDurability, "LedgerUnavailable", msg, cause)
}

// HTTPStatus maps an error's Kind (and, for Consensus, its specific Reason)
// to the status code the HTTP boundary must use.
func HTTPStatus(err error) int {
	se, ok := err.(*Error)
	if !ok {
		return 500
	}
	switch se.Kind {
	case KindValidation:
		return 400
	case KindDPoP:
		return 401
	case KindPolicy:
		return 403
	case KindConsensus:
		switch se.Reason {
		case "Conflict", "NullifierAlreadyUsed":
			return 409
		case "QuorumNotReached", "Timeout":
			return 504
		default:
			return 500
		}
	default:
		return 500
	}
}
