// Package netguard decides whether an outbound URL may be fetched and performs
// the fetch with the same checks applied at connect time and on every redirect.
package netguard

import "errors"

var (
	// ErrValidation covers malformed URLs, unsupported schemes and unresolvable hosts.
	ErrValidation = errors.New("invalid url")

	// ErrSecurityViolation is wrapped by every policy rejection below. Callers
	// audit anything that matches it.
	ErrSecurityViolation = errors.New("security violation")
	// ErrSecretInURL is returned when the URL carries a known secret value.
	ErrSecretInURL = errors.New("url contains a stored secret")
	// ErrBlockedDomain is returned for hosts on the blocklist.
	ErrBlockedDomain = errors.New("domain is blocked")
	// ErrNotAllowlisted is returned when an allowlist exists and the host is not on it.
	ErrNotAllowlisted = errors.New("domain is not on the allowlist")
	// ErrPrivateAddress is returned when the host resolves to a reserved address.
	ErrPrivateAddress = errors.New("host resolves to a private or reserved address")
	// ErrTooManyRedirects is returned when a redirect chain exceeds the cap.
	ErrTooManyRedirects = errors.New("too many redirects")
)
