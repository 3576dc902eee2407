// Package api exposes the external authentication handshake over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/orchestrator"
	"github.com/ace-han/social-auth/pkg/pipeline"
)

type Handle struct {
	service *orchestrator.Service
}

func NewHandle(service *orchestrator.Service) Handle {
	return Handle{service: service}
}

// Routes mounts the handshake endpoints on a fresh router.
func Routes(h Handle) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/auth/external", h.Initiate)
	r.Post("/auth/external/token", h.Complete)
	return r
}

// InitiateRequest is the JSON body of POST /auth/external.
type InitiateRequest struct {
	RedirectURI string            `json:"redirectUri"`
	Backend     string            `json:"backend,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// InitiateResponse is the JSON reply of POST /auth/external.
type InitiateResponse struct {
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	State            string `json:"state"`
}

// CompleteRequest is the JSON body of POST /auth/external/token.
type CompleteRequest struct {
	State   string            `json:"state"`
	Backend string            `json:"backend,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// CompleteResponse is the JSON reply of POST /auth/external/token. Exactly one
// of the session fields or the partial fields is populated.
type CompleteResponse struct {
	// SessionIssued distinguishes a completed login from a completion that
	// resolved the user without credentials (inactive account).
	SessionIssued bool `json:"sessionIssued"`

	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	CSRFToken    string `json:"csrfToken,omitempty"`

	// Partial indicates a suspended handshake awaiting out-of-band input.
	Partial      bool                   `json:"partial,omitempty"`
	PartialToken string                 `json:"partialToken,omitempty"`
	Prompt       map[string]interface{} `json:"prompt,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Initiate starts an external authentication handshake.
// (POST /auth/external)
func (h Handle) Initiate(w http.ResponseWriter, r *http.Request) {
	var body InitiateRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		renderError(w, r, errs.Validation("unable to parse request body"))
		return
	}

	result, err := h.service.Initiate(r.Context(), orchestrator.InitiateRequest{
		RedirectURI: body.RedirectURI,
		Backend:     body.Backend,
		Data:        body.Data,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, InitiateResponse{
		AuthorizationURL: result.AuthorizationURL,
		State:            result.State,
	})
}

// Complete finishes a handshake and returns the session credential bundle, or
// a partial marker when the pipeline suspended.
// (POST /auth/external/token)
func (h Handle) Complete(w http.ResponseWriter, r *http.Request) {
	var body CompleteRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		renderError(w, r, errs.Validation("unable to parse request body"))
		return
	}

	result, err := h.service.Complete(r.Context(), orchestrator.CompleteRequest{
		State:   body.State,
		Backend: body.Backend,
		Params:  body.Params,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	if result.Status == pipeline.StatusPartial {
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, CompleteResponse{
			Partial:      true,
			PartialToken: result.PartialToken,
			Prompt:       result.Prompt,
		})
		return
	}

	resp := CompleteResponse{}
	if result.Session != nil {
		resp.SessionIssued = true
		resp.Token = result.Session.AccessToken
		resp.RefreshToken = result.Session.RefreshToken
		resp.CSRFToken = result.Session.CSRFToken
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// renderError writes the structured error envelope with the mapped status.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.Wrap(err, errs.ErrCodeInternal, "internal error")
	}
	if e.HTTPStatusCode() >= http.StatusInternalServerError {
		slog.Error("request failed", "code", e.Code, "err", err)
	} else {
		slog.Info("request rejected", "code", e.Code, "message", e.Message)
	}
	render.Status(r, e.HTTPStatusCode())
	render.JSON(w, r, ErrorResponse{
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Details,
	})
}
