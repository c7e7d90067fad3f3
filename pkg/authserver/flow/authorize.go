// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oauth"
)

const (
	// ScopeOpenID marks an OpenID Connect request.
	ScopeOpenID = "openid"
	// ResponseTypeCode is the only supported response type.
	ResponseTypeCode = "code"

	promptNone    = "none"
	promptLogin   = "login"
	promptConsent = "consent"

	codeBytes = 32
)

// AuthorizeRequest holds the parameters of an authorize request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
}

// ParseAuthorizeRequest reads an AuthorizeRequest from query or form values.
func ParseAuthorizeRequest(v url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Prompt:              v.Get("prompt"),
	}
}

// Outcome tells the caller where the user agent goes next.
type Outcome struct {
	State State

	// RedirectURL is set when the user agent returns to the client, either
	// with a code or with an error.
	RedirectURL string

	// InteractionUID is set when the user must log in or consent.
	InteractionUID string

	// Session is set when a new login session was established.
	Session *storage.Session

	// Failure explains a non-fatal problem, such as wrong credentials, or the
	// error encoded in RedirectURL.
	Failure *Error

	// AttemptsLeft is the number of login attempts remaining.
	AttemptsLeft int
}

// Authorize validates an authorize request and decides the next step.
//
// Requests with an unknown client or an unregistered redirect URI fail with
// an error and are never redirected. Other invalid requests produce an
// Outcome that redirects the error to the client.
func (p *Provider) Authorize(ctx context.Context, req AuthorizeRequest, sessionID string) (*Outcome, error) {
	client, err := p.authorizeClient(ctx, req)
	if err != nil {
		p.finished(ctx, StateRejected)
		return nil, err
	}

	params, prompts, ferr := validateAuthorizeParams(client, req)
	if ferr != nil {
		return p.rejectRedirect(ctx, StateRejected, req.RedirectURI, req.State, ferr), nil
	}

	session := p.loginSession(ctx, sessionID, prompts)

	if slices.Contains(prompts, promptNone) {
		return p.authorizeSilently(ctx, params, session)
	}

	if session != nil && !slices.Contains(prompts, promptConsent) {
		covered, err := p.consentCovers(ctx, session.Subject, client.ID, params.Scopes)
		if err != nil {
			return nil, err
		}
		if covered {
			return p.issueCode(ctx, params, session.Subject, session.AuthTime, params.Scopes)
		}
	}

	return p.startInteraction(ctx, params, session)
}

func (p *Provider) authorizeClient(ctx context.Context, req AuthorizeRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The client_id parameter is required."))
	}
	client, err := p.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, storeErr(err, clientErr(fosite.ErrInvalidClient.WithHint("The client is not registered.")))
	}
	if req.RedirectURI == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The redirect_uri parameter is required."))
	}
	if !oauth.MatchRedirectURI(client.RedirectURIs, req.RedirectURI) {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The redirect_uri is not registered for this client."))
	}
	return client, nil
}

func validateAuthorizeParams(client *storage.Client, req AuthorizeRequest) (*storage.AuthorizeParams, []string, *Error) {
	if req.ResponseType != ResponseTypeCode {
		return nil, nil, clientErr(fosite.ErrUnsupportedResponseType.WithHint("Only the code response type is supported."))
	}
	if !client.GetResponseTypes().Has(ResponseTypeCode) && len(client.ResponseTypes) > 0 {
		return nil, nil, clientErr(fosite.ErrUnsupportedResponseType.WithHint("The client may not use the code response type."))
	}
	if !client.GetGrantTypes().Has("authorization_code") {
		return nil, nil, authzErr(fosite.ErrUnauthorizedClient.WithHint("The client may not use the authorization code grant."))
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		return nil, nil, clientErr(fosite.ErrInvalidScope.WithHint("The scope parameter is required."))
	}
	for _, s := range scopes {
		if !client.GetScopes().Has(s) {
			return nil, nil, clientErr(fosite.ErrInvalidScope.WithHintf("The client may not request scope %q.", s))
		}
	}

	if err := validatePKCE(client, req); err != nil {
		return nil, nil, err
	}

	prompts := strings.Fields(req.Prompt)
	for _, pr := range prompts {
		switch pr {
		case promptNone, promptLogin, promptConsent:
		default:
			return nil, nil, clientErr(fosite.ErrInvalidRequest.WithHintf("Unsupported prompt value %q.", pr))
		}
	}
	if slices.Contains(prompts, promptNone) && len(prompts) > 1 {
		return nil, nil, clientErr(fosite.ErrInvalidRequest.WithHint("prompt=none cannot be combined with other values."))
	}

	return &storage.AuthorizeParams{
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scopes:              slices.Compact(scopes),
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Prompt:              req.Prompt,
	}, prompts, nil
}

func validatePKCE(client *storage.Client, req AuthorizeRequest) *Error {
	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return clientErr(fosite.ErrInvalidRequest.WithHint("code_challenge_method requires code_challenge."))
		}
		if client.RequirePKCE || client.Public {
			return clientErr(fosite.ErrInvalidRequest.WithHint("This client must use PKCE with the S256 method."))
		}
		return nil
	}
	if req.CodeChallengeMethod != servercrypto.PKCEChallengeMethodS256 {
		return clientErr(fosite.ErrInvalidRequest.WithHint("Only the S256 code_challenge_method is supported."))
	}
	if !servercrypto.ValidChallenge(req.CodeChallenge) {
		return clientErr(fosite.ErrInvalidRequest.WithHint("The code_challenge is malformed."))
	}
	return nil
}

// loginSession returns the live session for sessionID, or nil. prompt=login
// ignores any session.
func (p *Provider) loginSession(ctx context.Context, sessionID string, prompts []string) *storage.Session {
	if sessionID == "" || slices.Contains(prompts, promptLogin) {
		return nil
	}
	s, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("failed to load login session", "error", err)
		}
		return nil
	}
	return s
}

func (p *Provider) consentCovers(ctx context.Context, subject, clientID string, scopes []string) (bool, error) {
	c, err := p.store.GetConsent(ctx, subject, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, transientErr(err)
	}
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false, nil
		}
	}
	return true, nil
}

func (p *Provider) authorizeSilently(
	ctx context.Context, params *storage.AuthorizeParams, session *storage.Session,
) (*Outcome, error) {
	if session == nil {
		return p.rejectRedirect(ctx, StateRejected, params.RedirectURI, params.State,
			clientErr(fosite.ErrLoginRequired.WithHint("No login session exists.")),
		), nil
	}
	covered, err := p.consentCovers(ctx, session.Subject, params.ClientID, params.Scopes)
	if err != nil {
		return nil, err
	}
	if !covered {
		return p.rejectRedirect(ctx, StateRejected, params.RedirectURI, params.State,
			clientErr(fosite.ErrConsentRequired.WithHint("The requested scopes have not been approved.")),
		), nil
	}
	return p.issueCode(ctx, params, session.Subject, session.AuthTime, params.Scopes)
}

func (p *Provider) startInteraction(
	ctx context.Context, params *storage.AuthorizeParams, session *storage.Session,
) (*Outcome, error) {
	next := StateLoginPending
	interaction := &storage.Interaction{
		UID:    uuid.NewString(),
		Params: *params,
	}
	if session != nil {
		next = StateConsentPending
		interaction.Subject = session.Subject
		interaction.AuthTime = session.AuthTime
	}
	now := p.now()
	interaction.State = string(next)
	interaction.CreatedAt = now
	interaction.ExpiresAt = now.Add(p.cfg.InteractionTTL)

	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}
	if err := p.store.CreateInteraction(ctx, interaction); err != nil {
		return nil, transientErr(fmt.Errorf("failed to create interaction: %w", err))
	}
	return &Outcome{State: next, InteractionUID: interaction.UID}, nil
}

// issueCode creates a code outside of an interaction, used when a session
// and remembered consent make the interaction unnecessary.
func (p *Provider) issueCode(
	ctx context.Context,
	params *storage.AuthorizeParams,
	subject string,
	authTime time.Time,
	scopes []string,
) (*Outcome, error) {
	code, err := p.newCode(params, subject, authTime, scopes)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}
	if err := p.store.CreateAuthorizationCode(ctx, code); err != nil {
		return nil, transientErr(fmt.Errorf("failed to store authorization code: %w", err))
	}
	p.finished(ctx, StateCodeIssued)
	return &Outcome{State: StateCodeIssued, RedirectURL: p.codeRedirect(params, code.Code)}, nil
}

func (p *Provider) newCode(
	params *storage.AuthorizeParams, subject string, authTime time.Time, scopes []string,
) (*storage.AuthorizationCode, error) {
	value, err := servercrypto.RandomToken(codeBytes)
	if err != nil {
		return nil, transientErr(err)
	}
	now := p.now()
	return &storage.AuthorizationCode{
		Code:                value,
		GrantID:             uuid.NewString(),
		ClientID:            params.ClientID,
		Subject:             subject,
		RedirectURI:         params.RedirectURI,
		Scopes:              slices.Clone(scopes),
		Nonce:               params.Nonce,
		AuthTime:            authTime,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(p.cfg.CodeTTL),
	}, nil
}

func (p *Provider) rejectRedirect(ctx context.Context, final State, redirectURI, state string, ferr *Error) *Outcome {
	p.finished(ctx, final)
	return &Outcome{
		State:       final,
		RedirectURL: p.errorRedirect(redirectURI, state, ferr),
		Failure:     ferr,
	}
}

func (p *Provider) codeRedirect(params *storage.AuthorizeParams, code string) string {
	v := url.Values{}
	v.Set("code", code)
	if params.State != "" {
		v.Set("state", params.State)
	}
	v.Set("iss", p.issuer.IssuerID())
	return appendQuery(params.RedirectURI, v)
}

func (p *Provider) errorRedirect(redirectURI, state string, ferr *Error) string {
	v := url.Values{}
	for k, val := range ferr.Body() {
		v.Set(k, val)
	}
	if state != "" {
		v.Set("state", state)
	}
	v.Set("iss", p.issuer.IssuerID())
	return appendQuery(redirectURI, v)
}

// appendQuery merges extra into the query of a registered redirect URI.
func appendQuery(rawURL string, extra url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vals := range extra {
		q[k] = vals
	}
	u.RawQuery = q.Encode()
	return u.String()
}
