package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"airmesh/pkg/types"
)

var (
	ErrInvalidCallsign = errors.New("invalid callsign format")
	ErrUnlicensed      = errors.New("unlicensed station")
	ErrBadSignature    = errors.New("signature verification failed")
)

// UnlicensedPrefix marks identities that deliberately register as
// receive-only listeners.
const UnlicensedPrefix = "UNLICENSED-"

// Amateur callsign with optional SSID suffix, e.g. W1AW, KD2ABC-7.
var callsignPattern = regexp.MustCompile(`^[A-Z0-9]{1,3}[0-9][A-Z]{1,4}(-[0-9]{1,2})?$`)

// Validator classifies station identities: format checking plus the
// licensed/unlicensed distinction that gates transmit privileges.
type Validator interface {
	// ValidateFormat rejects identities that are neither well-formed
	// callsigns nor explicit unlicensed identities.
	ValidateFormat(station types.StationID) error

	// IsLicensed reports whether the station may transmit and relay.
	IsLicensed(station types.StationID) bool
}

// SignatureVerifier is the opaque verification capability injected into
// the core. Implementations live outside this module.
type SignatureVerifier interface {
	Verify(ctx context.Context, station types.StationID, payload, signature []byte) error
}

// CallsignValidator is the default Validator. Identities with the
// UNLICENSED- prefix are well-formed but receive-only.
type CallsignValidator struct{}

func NewCallsignValidator() *CallsignValidator {
	return &CallsignValidator{}
}

func (v *CallsignValidator) ValidateFormat(station types.StationID) error {
	s := string(station)
	if s == "" {
		return ErrInvalidCallsign
	}
	if strings.HasPrefix(s, UnlicensedPrefix) {
		return nil
	}
	if !callsignPattern.MatchString(s) {
		return ErrInvalidCallsign
	}
	return nil
}

func (v *CallsignValidator) IsLicensed(station types.StationID) bool {
	s := string(station)
	if s == "" || strings.HasPrefix(s, UnlicensedPrefix) {
		return false
	}
	return callsignPattern.MatchString(s)
}

// AcceptAllVerifier is a SignatureVerifier for tests and for meshes
// running without end-to-end signing.
type AcceptAllVerifier struct{}

func (AcceptAllVerifier) Verify(ctx context.Context, station types.StationID, payload, signature []byte) error {
	return nil
}
