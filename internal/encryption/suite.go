package encryption

import (
	"fmt"
	"strings"
)

// Suite names a negotiated voice encryption mode. The string values are the
// names used on the wire during session negotiation.
type Suite string

const (
	AES256GCMRTPSize         Suite = "aead_aes256_gcm_rtpsize"
	XChaCha20Poly1305RTPSize Suite = "aead_xchacha20_poly1305_rtpsize"
	XSalsa20Poly1305Lite     Suite = "xsalsa20_poly1305_lite"
	XSalsa20Poly1305Suffix   Suite = "xsalsa20_poly1305_suffix"
	XSalsa20Poly1305         Suite = "xsalsa20_poly1305"
)

// AllSuites lists every suite this package knows how to speak.
var AllSuites = []Suite{
	AES256GCMRTPSize,
	XChaCha20Poly1305RTPSize,
	XSalsa20Poly1305Lite,
	XSalsa20Poly1305Suffix,
	XSalsa20Poly1305,
}

func (s Suite) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known suites.
func (s Suite) IsValid() bool {
	_, ok := strategies[s]
	return ok
}

// ParseSuite converts a negotiated suite name into a Suite.
func ParseSuite(name string) (Suite, error) {
	s := Suite(strings.TrimSpace(name))
	if !s.IsValid() {
		return "", &UnsupportedSuiteError{Offered: []string{name}}
	}
	return s, nil
}

// UnsupportedSuiteError is returned when none of the offered suites can be
// used. It is a configuration error: a session must not connect with it.
type UnsupportedSuiteError struct {
	Offered []string
}

func (e *UnsupportedSuiteError) Error() string {
	return fmt.Sprintf("unsupported encryption suite(s): %s", strings.Join(e.Offered, ", "))
}

var _ error = (*UnsupportedSuiteError)(nil)
