// Package auth wraps an external auth provider. Gateway builds request
// headers and runs at most one token refresh at a time, bounded by the
// injected clock.
package auth
