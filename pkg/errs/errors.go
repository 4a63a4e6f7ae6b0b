// Package errs collects the core's error taxonomy (§7). Names are
// contractual: callers type-assert or errors.As against these.
package errs

import "fmt"

// ValidationFailed reports a declarative-constraint failure on user
// input (§3 invariants, AppDefinition/Group.Validate).
type ValidationFailed struct {
	Details string
}

func (e *ValidationFailed) Error() string { return "validation failed: " + e.Details }

// UnknownApp is returned when an operation references an app id the
// repository does not have.
type UnknownApp struct{ ID string }

func (e *UnknownApp) Error() string { return fmt.Sprintf("unknown app %q", e.ID) }

// UnknownGroup is returned when an operation references a group id the
// repository does not have.
type UnknownGroup struct{ ID string }

func (e *UnknownGroup) Error() string { return fmt.Sprintf("unknown group %q", e.ID) }

// UnknownDeployment is returned when an operation references a
// deployment id that is not active.
type UnknownDeployment struct{ ID string }

func (e *UnknownDeployment) Error() string { return fmt.Sprintf("unknown deployment %q", e.ID) }

// AppLocked is returned when a user mutation targets an app already
// locked by one or more in-flight deployments, and force was not set.
type AppLocked struct {
	AppID         string
	DeploymentIDs []string
}

func (e *AppLocked) Error() string {
	return fmt.Sprintf("app %q is locked by deployment(s) %v", e.AppID, e.DeploymentIDs)
}

// ConflictingChange is returned when the planner detects an incompatible
// concurrent edit.
type ConflictingChange struct{ Reason string }

func (e *ConflictingChange) Error() string { return "conflicting change: " + e.Reason }

// StoreTimeout is returned when a key-value store operation exceeds its
// bound (zkTimeoutDuration in spec terms).
type StoreTimeout struct{ Op string }

func (e *StoreTimeout) Error() string { return fmt.Sprintf("store operation %q timed out", e.Op) }

// StoreUnavailable is returned when the key-value store cannot be
// reached at all.
type StoreUnavailable struct{ Cause error }

func (e *StoreUnavailable) Error() string { return fmt.Sprintf("store unavailable: %v", e.Cause) }

// DriverError is fatal: the scheduler loop abdicates leadership on
// receipt of one (§4.8 "error: ... terminate the process").
type DriverError struct{ Msg string }

func (e *DriverError) Error() string { return "driver error: " + e.Msg }

// ResolveArtifactFailed is returned when a ResolveArtifacts action
// cannot fetch one of its URLs. The executor makes a single fetch
// attempt per URL; failed fetches are not retried.
type ResolveArtifactFailed struct{ URL string }

func (e *ResolveArtifactFailed) Error() string { return fmt.Sprintf("failed to resolve artifact %q", e.URL) }
