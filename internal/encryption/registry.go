package encryption

import (
	"errors"
	"log/slog"
	"slices"

	"golang.org/x/sys/cpu"
)

// ErrNoBackend is returned when a backend cannot construct any suite.
var ErrNoBackend = errors.New("encryption: no usable cipher backend on this host")

// Registry is the startup-time table of suites a backend can serve. It is
// built once and is read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	backend    Backend
	available  map[Suite]bool
	preference []Suite
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPreference overrides the order in which suites are chosen during
// negotiation. Suites left out are never chosen.
func WithPreference(suites ...Suite) RegistryOption {
	return func(r *Registry) {
		r.preference = slices.Clone(suites)
	}
}

// HasAESHardware reports whether the CPU accelerates AES-GCM.
func HasAESHardware() bool {
	return (cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ) ||
		(cpu.ARM64.HasAES && cpu.ARM64.HasPMULL) ||
		(cpu.S390X.HasAESGCM)
}

// DefaultPreference ranks the AEAD suites first, with AES-GCM ahead of
// XChaCha only when the CPU has AES instructions.
func DefaultPreference() []Suite {
	if HasAESHardware() {
		return []Suite{AES256GCMRTPSize, XChaCha20Poly1305RTPSize, XSalsa20Poly1305Lite, XSalsa20Poly1305Suffix, XSalsa20Poly1305}
	}
	return []Suite{XChaCha20Poly1305RTPSize, AES256GCMRTPSize, XSalsa20Poly1305Lite, XSalsa20Poly1305Suffix, XSalsa20Poly1305}
}

// NewRegistry checks backend once for every known suite.
func NewRegistry(backend Backend, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		backend:    backend,
		available:  make(map[Suite]bool, len(AllSuites)),
		preference: DefaultPreference(),
	}
	for _, opt := range opts {
		opt(r)
	}

	zeroKey := make([]byte, KeySize)
	for _, suite := range AllSuites {
		if _, err := strategies[suite].newAEAD(backend, zeroKey); err != nil {
			slog.Debug("encryption suite unavailable", "suite", suite, "backend", backend.Name(), "error", err)
			continue
		}
		r.available[suite] = true
	}

	if len(r.available) == 0 {
		return nil, ErrNoBackend
	}
	return r, nil
}

// Backend returns the backend the registry was built from.
func (r *Registry) Backend() Backend {
	return r.backend
}

// Supports reports whether suite can be used with this registry's backend.
func (r *Registry) Supports(suite Suite) bool {
	return r.available[suite]
}

// Supported returns the usable suites in preference order.
func (r *Registry) Supported() []Suite {
	var out []Suite
	for _, s := range r.preference {
		if r.available[s] {
			out = append(out, s)
		}
	}
	return out
}

// Negotiate picks the most preferred usable suite among those offered by
// the remote side. Unknown names in offered are ignored.
func (r *Registry) Negotiate(offered []string) (Suite, error) {
	set := make(map[Suite]struct{}, len(offered))
	for _, name := range offered {
		set[Suite(name)] = struct{}{}
	}
	for _, s := range r.Supported() {
		if _, ok := set[s]; ok {
			return s, nil
		}
	}
	return "", &UnsupportedSuiteError{Offered: offered}
}
