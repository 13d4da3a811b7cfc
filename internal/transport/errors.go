package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrConnection covers dial, write and read failures. They are
	// recovered by reconnecting with backoff.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned by Send when no connection is up.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnection)
	// ErrAuthEscalated is returned by Connect once identity validation
	// has failed AuthFailureThreshold times in a row.
	ErrAuthEscalated = errors.New("authentication failures exceeded threshold")
	// ErrReconnectsExhausted is returned by Connect when MaxReconnects is
	// positive and has been reached.
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
	ErrFrameTooLarge       = errors.New("frame exceeds maximum size")
)

// AuthError is a certificate or identity validation failure. The attempt
// is never retried with relaxed validation.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classify wraps err as *AuthError or ErrConnection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsAuthError(err) || errors.Is(err, ErrConnection) {
		return err
	}
	if isIdentityFailure(err) {
		return &AuthError{Err: err}
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

func isIdentityFailure(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		alert            tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		errors.As(err, &verification):
		return true
	case errors.As(err, &alert):
		return isCertificateAlert(alert)
	}
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.Unauthenticated || st.Code() == codes.PermissionDenied {
			return true
		}
		msg := st.Message()
		return strings.Contains(msg, "authentication handshake failed") || strings.Contains(msg, "x509:")
	}
	return false
}

// TLS alert codes a peer sends when it rejects our certificate.
func isCertificateAlert(a tls.AlertError) bool {
	switch uint8(a) {
	case 42, 43, 44, 45, 46, 48, 116:
		return true
	}
	return false
}
