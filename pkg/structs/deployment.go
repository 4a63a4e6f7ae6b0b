package structs

import (
	"time"

	"github.com/marcher/marcher/pkg/id"
)

// ActionKind tags an Action's variant. The executor dispatches on this
// tag rather than a type hierarchy (§9 "Polymorphism").
type ActionKind string

const (
	ActionStart   ActionKind = "StartApplication"
	ActionStop    ActionKind = "StopApplication"
	ActionScale   ActionKind = "ScaleApplication"
	ActionRestart ActionKind = "RestartApplication"
	ActionResolve ActionKind = "ResolveArtifacts"
)

// Action is one tagged-union step member. Only the fields relevant to
// Kind are meaningful.
type Action struct {
	Kind  ActionKind
	AppID id.PathId

	// Start: the target definition to create.
	App *AppDefinition

	// Scale: desired instance counts.
	FromInstances int
	ToInstances   int

	// Scale and Restart: previous and next definitions. Restart: the
	// strategy to bound the rolling replacement (taken from the
	// target/new definition).
	FromApp         *AppDefinition
	ToApp           *AppDefinition
	UpgradeStrategy UpgradeStrategy

	// ResolveArtifacts: URLs to fetch before a subsequent Start/Restart
	// in the same step.
	URLs []string
}

// Step is a set of actions that may execute in parallel.
type Step struct {
	Actions []Action
}

// DeploymentStatus tags overall deployment progress.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "PENDING"
	DeploymentRunning   DeploymentStatus = "RUNNING"
	DeploymentSucceeded DeploymentStatus = "SUCCEEDED"
	DeploymentFailed    DeploymentStatus = "FAILED"
	DeploymentCanceled  DeploymentStatus = "CANCELED"
)

// Deployment is a plan converging Original toward Target, plus its
// runtime progress.
type Deployment struct {
	ID           string
	Version      time.Time
	Original     *Group
	Target       *Group
	Steps        []Step
	CurrentStep  int
	Status       DeploymentStatus
	AffectedApps []id.PathId
	Force        bool
}

// IsComplete reports whether every step has executed.
func (d *Deployment) IsComplete() bool { return d.CurrentStep >= len(d.Steps) }

// CurrentActions returns the actions of the step in progress, or nil if
// complete.
func (d *Deployment) CurrentActions() []Action {
	if d.IsComplete() {
		return nil
	}
	return d.Steps[d.CurrentStep].Actions
}
