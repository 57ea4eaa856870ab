// Package component holds the built-in component types the simulation
// binary ships with.
package component

import (
	"fmt"

	"github.com/hmcore/worldsim/internal/world"
)

// Register adds every built-in type to reg.
func Register(reg *world.TypeRegistry) error {
	if _, err := world.Register(reg, spinnerSpec()); err != nil {
		return fmt.Errorf("register spinner: %w", err)
	}
	if _, err := world.Register(reg, oscillatorSpec()); err != nil {
		return fmt.Errorf("register oscillator: %w", err)
	}
	if _, err := world.Register(reg, proximitySpec()); err != nil {
		return fmt.Errorf("register proximity: %w", err)
	}
	return nil
}
