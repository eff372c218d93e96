// Package types defines the shared primitives of the Takt execution core:
// the structured error taxonomy and the status vocabulary used across the
// scheduler, step runner, checkpoint and approval subsystems.
//
// The types package is the lowest-level package with no internal
// dependencies, so placing these definitions here avoids circular imports.
package types
