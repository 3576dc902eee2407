package pipeline

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// Predefined step orders
const (
	OrderLookupAssociation  = 100
	OrderResolveCurrentUser = 200
	OrderDisambiguate       = 300
	OrderCreateUser         = 400
	OrderAssociateIdentity  = 500
	OrderRecordLogin        = 600
)

// Setting names consumed by the default steps.
const (
	SettingAutoAssociate     = "AUTO_ASSOCIATE_EXISTING"
	SettingCreateUsers       = "CREATE_USERS"
	SettingInactiveUserLogin = "INACTIVE_USER_LOGIN"
)

// Keys used in RunContext.Data by the default steps.
const (
	dataCandidateUserID = "candidate_user_id"
	dataAssociate       = "associate"
	dataLoggedIn        = "logged_in"
)

// DefaultRegistry returns the standard step sequence: locate an existing link
// by stable id, fold in the already-authenticated user, disambiguate against
// an existing account with the same username, create a new account when none
// was found, associate the remote identity, and record the login.
func DefaultRegistry() *Registry {
	return NewRegistry().
		AddStep(&LookupAssociationStep{}).
		AddStep(&ResolveCurrentUserStep{}).
		AddStep(&DisambiguateStep{}).
		AddStep(&CreateUserStep{}).
		AddStep(&AssociateIdentityStep{}).
		AddStep(&RecordLoginStep{})
}

// LookupAssociationStep finds an existing user linked to the remote stable id.
type LookupAssociationStep struct{}

func (s *LookupAssociationStep) Name() string { return "lookup_association" }

func (s *LookupAssociationStep) Order() int { return OrderLookupAssociation }

func (s *LookupAssociationStep) ShouldSkip(ctx context.Context, rc *RunContext) bool {
	return false
}

func (s *LookupAssociationStep) Run(ctx context.Context, rc *RunContext) (*StepResult, error) {
	user, err := rc.Users.FindByStableID(ctx, rc.BackendName, rc.Key.StableID)
	if err != nil {
		if errs.IsNotFound(err) {
			return &StepResult{Continue: true}, nil
		}
		return nil, err
	}
	rc.User = &user
	rc.Linked = true
	return &StepResult{Continue: true}, nil
}

// ResolveCurrentUserStep folds an already-authenticated caller into the run:
// an anonymous remote identity attaches to the current user, while an
// identity already linked to a different account is refused.
type ResolveCurrentUserStep struct{}

func (s *ResolveCurrentUserStep) Name() string { return "resolve_current_user" }

func (s *ResolveCurrentUserStep) Order() int { return OrderResolveCurrentUser }

func (s *ResolveCurrentUserStep) ShouldSkip(ctx context.Context, rc *RunContext) bool {
	return rc.CurrentUser == nil
}

func (s *ResolveCurrentUserStep) Run(ctx context.Context, rc *RunContext) (*StepResult, error) {
	if rc.User != nil {
		if rc.User.ID != rc.CurrentUser.ID {
			return &StepResult{
				Reject: errs.New(errs.ErrCodePipelineRejected,
					"remote identity already linked to another account"),
			}, nil
		}
		return &StepResult{Continue: true}, nil
	}
	rc.User = rc.CurrentUser
	return &StepResult{Continue: true}, nil
}

// DisambiguateStep handles the case where no link exists but a local account
// already uses the derived username. Unless auto-association is enabled, the
// run suspends and asks the caller to confirm the association out of band.
type DisambiguateStep struct{}

func (s *DisambiguateStep) Name() string { return "disambiguate_existing" }

func (s *DisambiguateStep) Order() int { return OrderDisambiguate }

func (s *DisambiguateStep) ShouldSkip(ctx context.Context, rc *RunContext) bool {
	return rc.User != nil
}

func (s *DisambiguateStep) Run(ctx context.Context, rc *RunContext) (*StepResult, error) {
	existing, err := rc.Users.FindByUsername(ctx, rc.Key.Username)
	if err != nil {
		if errs.IsNotFound(err) {
			return &StepResult{Continue: true}, nil
		}
		return nil, err
	}

	data := map[string]interface{}{dataCandidateUserID: existing.ID.String()}
	if rc.Settings.Bool(SettingAutoAssociate, false) {
		data[dataAssociate] = true
		return &StepResult{Continue: true, Data: data}, nil
	}

	return &StepResult{
		Suspend: true,
		Data:    data,
		Prompt: map[string]interface{}{
			"username": existing.Username,
			"required": dataAssociate,
		},
	}, nil
}

// CreateUserStep resolves the working user: it applies a confirmed
// association decision, or creates a fresh local account when permitted.
type CreateUserStep struct{}

func (s *CreateUserStep) Name() string { return "create_user" }

func (s *CreateUserStep) Order() int { return OrderCreateUser }

func (s *CreateUserStep) ShouldSkip(ctx context.Context, rc *RunContext) bool {
	return rc.User != nil
}

func (s *CreateUserStep) Run(ctx context.Context, rc *RunContext) (*StepResult, error) {
	if candidate, ok := rc.Data[dataCandidateUserID].(string); ok && candidate != "" {
		if !truthy(rc.Data[dataAssociate]) {
			return &StepResult{
				Reject: errs.New(errs.ErrCodePipelineRejected, "association not confirmed"),
			}, nil
		}
		id, err := uuid.Parse(candidate)
		if err != nil {
			return nil, err
		}
		user, err := rc.Users.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		rc.User = &user
		return &StepResult{Continue: true}, nil
	}

	if !rc.Settings.Bool(SettingCreateUsers, true) {
		return &StepResult{
			Reject: errs.New(errs.ErrCodePipelineRejected, "user creation disabled"),
		}, nil
	}

	user, err := rc.Users.Create(ctx, userstore.User{
		Username: rc.Key.Username,
		Email:    emailFor(rc),
		Active:   true,
	})
	if err != nil {
		return nil, err
	}
	rc.User = &user
	rc.IsNew = true
	return &StepResult{Continue: true}, nil
}

// AssociateIdentityStep links the remote stable id to the resolved user.
type AssociateIdentityStep struct{}

func (s *AssociateIdentityStep) Name() string { return "associate_identity" }

func (s *AssociateIdentityStep) Order() int { return OrderAssociateIdentity }

func (s *AssociateIdentityStep) ShouldSkip(ctx context.Context, rc *RunContext) bool {
	return rc.Linked
}

func (s *AssociateIdentityStep) Run(ctx context.Context, rc *RunContext) (*StepResult, error) {
	if err := rc.Users.Link(ctx, rc.User.ID, rc.BackendName, rc.Key.StableID); err != nil {
		return nil, err
	}
	rc.Linked = true
	return &StepResult{Continue: true}, nil
}

// RecordLoginStep records which backend performed the login. Inactive users
// complete the pipeline but only log in when the deployment explicitly
// enables inactive-user login.
type RecordLoginStep struct{}

func (s *RecordLoginStep) Name() string { return "record_login" }

func (s *RecordLoginStep) Order() int { return OrderRecordLogin }

func (s *RecordLoginStep) ShouldSkip(ctx context.Context, rc *RunContext) bool {
	return rc.User == nil
}

func (s *RecordLoginStep) Run(ctx context.Context, rc *RunContext) (*StepResult, error) {
	allowed := rc.User.Active || rc.Settings.Bool(SettingInactiveUserLogin, false)
	if !allowed {
		return &StepResult{Continue: true, Data: map[string]interface{}{dataLoggedIn: false}}, nil
	}
	if err := rc.Users.RecordLogin(ctx, rc.User.ID, rc.BackendName); err != nil {
		return nil, err
	}
	return &StepResult{Continue: true, Data: map[string]interface{}{dataLoggedIn: true}}, nil
}

// emailFor picks the best available email for a new account: a provider
// email field, a derived email-shaped stable id, then the username itself.
func emailFor(rc *RunContext) string {
	if email := rc.Profile.String("email"); email != "" {
		return email
	}
	if strings.Contains(rc.Key.StableID, "@") {
		return rc.Key.StableID
	}
	return rc.Key.Username
}

// truthy interprets resume input, which may arrive as a bool or a string.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	default:
		return false
	}
}
