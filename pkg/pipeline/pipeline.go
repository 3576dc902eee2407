// Package pipeline implements the resumable identity-resolution engine that
// maps a verified remote identity to a local user. Steps run in declared
// order; a step may pass through, mutate the working user record, reject the
// run, or suspend it pending out-of-band input. Suspended progress is
// persisted under a single-use partial token and resumed later.
package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// Status is the terminal state of a pipeline run.
type Status string

const (
	// StatusDone means a local user was resolved.
	StatusDone Status = "done"
	// StatusPartial means the run suspended pending out-of-band input.
	StatusPartial Status = "partial"
	// StatusRejected means a step refused to resolve the identity.
	StatusRejected Status = "rejected"
)

// Step is a single stage of the identity-resolution pipeline.
type Step interface {
	// Name returns the unique name of this step.
	Name() string

	// Order returns the execution order (lower numbers execute first).
	Order() int

	// ShouldSkip determines if this step should be skipped for this run.
	ShouldSkip(ctx context.Context, rc *RunContext) bool

	// Run performs the step's logic.
	Run(ctx context.Context, rc *RunContext) (*StepResult, error)
}

// RunContext carries state between pipeline steps.
type RunContext struct {
	// Input data
	BackendName string
	Identity    *backend.RemoteIdentity
	Profile     backend.Profile
	Key         backend.IdentityKey
	CurrentUser *userstore.User

	// Working state
	User   *userstore.User
	IsNew  bool
	Linked bool

	// Step-specific data; persisted verbatim when the run suspends
	Data map[string]interface{}

	// Collaborators (injected by the engine)
	Users    userstore.Store
	Settings backend.Settings
}

// StepResult represents the outcome of executing one step.
type StepResult struct {
	// Continue indicates the flow should proceed to the next step
	Continue bool

	// Suspend stops the run and persists progress under a fresh partial token
	Suspend bool

	// Prompt describes the out-of-band input a suspended run is waiting for
	Prompt map[string]interface{}

	// Reject terminates the run with a typed pipeline error
	Reject *errs.Error

	// Data is merged into RunContext.Data
	Data map[string]interface{}
}

// Result is the outcome of a pipeline run.
type Result struct {
	Status       Status
	User         *userstore.User
	IsNew        bool
	LoggedIn     bool
	PartialToken string
	Prompt       map[string]interface{}
	Err          *errs.Error
}

// RunInput is the initial input for a pipeline run.
type RunInput struct {
	BackendName string
	Identity    *backend.RemoteIdentity
	Profile     backend.Profile
	Key         backend.IdentityKey
	CurrentUser *userstore.User
}

// Registry manages and orders pipeline steps.
type Registry struct {
	steps []Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make([]Step, 0)}
}

// AddStep adds a step to the registry.
func (r *Registry) AddStep(step Step) *Registry {
	r.steps = append(r.steps, step)
	return r
}

// OrderedSteps returns the steps sorted by their order.
func (r *Registry) OrderedSteps() []Step {
	ordered := make([]Step, len(r.steps))
	copy(ordered, r.steps)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Order() < ordered[j].Order()
	})
	return ordered
}

// Engine executes the identity-resolution pipeline.
type Engine struct {
	registry *Registry
	users    userstore.Store
	partials PartialStore
	settings backend.Settings
}

// NewEngine creates a pipeline engine with the given steps and collaborators.
func NewEngine(registry *Registry, users userstore.Store, partials PartialStore, settings backend.Settings) *Engine {
	return &Engine{
		registry: registry,
		users:    users,
		partials: partials,
		settings: settings,
	}
}

// Run executes the pipeline from the start.
func (e *Engine) Run(ctx context.Context, input RunInput) Result {
	rc := &RunContext{
		BackendName: input.BackendName,
		Identity:    input.Identity,
		Profile:     input.Profile,
		Key:         input.Key,
		CurrentUser: input.CurrentUser,
		Data:        make(map[string]interface{}),
		Users:       e.users,
		Settings:    e.settings,
	}
	return e.runFrom(ctx, rc, "")
}

// Resume continues a suspended run. The partial token is consumed
// immediately: reusing it afterwards fails with a NOT_FOUND error. Execution
// continues from the step after the one that suspended, with the new input
// merged into the step data.
func (e *Engine) Resume(ctx context.Context, token string, input map[string]interface{}) Result {
	progress, err := e.partials.Load(ctx, token)
	if err != nil {
		return Result{Status: StatusRejected, Err: asRejection(err, "resume")}
	}
	// Single use: clear before continuing so a failed run never leaves the
	// token live.
	if err := e.partials.Delete(ctx, token); err != nil {
		slog.Warn("failed to delete partial token", "err", err)
	}

	rc := &RunContext{
		BackendName: progress.BackendName,
		Profile:     progress.Profile,
		Key:         progress.Key,
		Data:        progress.Data,
		Users:       e.users,
		Settings:    e.settings,
	}
	if rc.Data == nil {
		rc.Data = make(map[string]interface{})
	}
	for k, v := range input {
		rc.Data[k] = v
	}
	if progress.CurrentUserID != "" {
		if id, parseErr := uuid.Parse(progress.CurrentUserID); parseErr == nil {
			if user, getErr := e.users.GetByID(ctx, id); getErr == nil {
				rc.CurrentUser = &user
			}
		}
	}
	return e.runFrom(ctx, rc, progress.StepName)
}

// runFrom executes ordered steps, skipping up to and including startAfter.
func (e *Engine) runFrom(ctx context.Context, rc *RunContext, startAfter string) Result {
	steps := e.registry.OrderedSteps()

	skipping := startAfter != ""
	for _, step := range steps {
		if skipping {
			if step.Name() == startAfter {
				skipping = false
			}
			continue
		}
		if step.ShouldSkip(ctx, rc) {
			continue
		}

		result, err := step.Run(ctx, rc)
		if err != nil {
			slog.Error("pipeline step failed", "step", step.Name(), "err", err)
			return Result{Status: StatusRejected, Err: asRejection(err, step.Name())}
		}

		if result.Data != nil {
			for key, value := range result.Data {
				rc.Data[key] = value
			}
		}

		if result.Reject != nil {
			slog.Info("pipeline rejected", "step", step.Name(), "reason", result.Reject.Message)
			return Result{Status: StatusRejected, Err: result.Reject.WithDetail("step", step.Name())}
		}

		if result.Suspend {
			token, err := e.suspend(ctx, rc, step.Name())
			if err != nil {
				return Result{Status: StatusRejected, Err: asRejection(err, step.Name())}
			}
			return Result{
				Status:       StatusPartial,
				PartialToken: token,
				Prompt:       result.Prompt,
			}
		}

		if !result.Continue {
			break
		}
	}

	if rc.User == nil {
		return Result{
			Status: StatusRejected,
			Err:    errs.New(errs.ErrCodePipelineRejected, "no local user resolved"),
		}
	}

	loggedIn, _ := rc.Data[dataLoggedIn].(bool)
	return Result{
		Status:   StatusDone,
		User:     rc.User,
		IsNew:    rc.IsNew,
		LoggedIn: loggedIn,
	}
}

// credentialKeys are provider credential fields that must not outlive the run
// in persisted suspension progress.
var credentialKeys = []string{"access_token", "refresh_token", "session_key", "id_token"}

func (e *Engine) suspend(ctx context.Context, rc *RunContext, stepName string) (string, error) {
	progress := Progress{
		BackendName: rc.BackendName,
		StepName:    stepName,
		Profile:     stripCredentials(rc.Profile),
		Key:         rc.Key,
		Data:        rc.Data,
	}
	if rc.CurrentUser != nil {
		progress.CurrentUserID = rc.CurrentUser.ID.String()
	}
	token, err := e.partials.Save(ctx, progress)
	if err != nil {
		return "", err
	}
	slog.Info("pipeline suspended", "step", stepName, "backend", rc.BackendName)
	return token, nil
}

func stripCredentials(profile backend.Profile) backend.Profile {
	clean := make(backend.Profile, len(profile))
	for k, v := range profile {
		clean[k] = v
	}
	for _, key := range credentialKeys {
		delete(clean, key)
	}
	return clean
}

func asRejection(err error, step string) *errs.Error {
	var e *errs.Error
	if errs.IsNotFound(err) {
		// Token absence keeps its own code so callers can distinguish an
		// expired resume from a refused identity.
		e = errs.Wrap(err, errs.ErrCodeNotFound, "pipeline token not found")
	} else {
		e = errs.Wrapf(err, errs.ErrCodePipelineRejected, "step %s failed", step)
	}
	return e.WithDetail("step", step)
}
