// Package timeutil provides a small clock abstraction so components that
// depend on the current time can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time. Production code uses Default;
// tests substitute a fixed or stepping implementation.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now().UTC() }

// Default returns a Provider backed by the system clock (UTC).
func Default() Provider { return realProvider{} }
