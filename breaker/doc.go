// Package breaker keeps a closed/open/half-open circuit per endpoint path.
//
// A circuit opens after Config.Threshold consecutive failures. Cooldown expiry
// is evaluated lazily by Allow against the injected clock, so no timers are
// scheduled; the first Allow after the cooldown turns the circuit half-open
// and admits a single probe.
package breaker
