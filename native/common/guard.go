package common

import "errors"

// ErrModulePaused is the uniform error returned for any mutating call made
// while the circuit breaker is engaged, regardless of trade or caller.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the current pause state of a named module.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view or empty
// module name disables the check so partially wired engines stay usable in
// tests.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
