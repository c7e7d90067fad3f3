// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/users"
	"github.com/stacklok/oidcd/pkg/logger"
)

const sessionIDBytes = 32

// InteractionView is what the login and consent UI needs to render.
type InteractionView struct {
	UID          string
	State        State
	ClientID     string
	ClientName   string
	Scopes       []string
	Subject      string
	AttemptsLeft int
}

// Interaction returns the interaction uid for display.
func (p *Provider) Interaction(ctx context.Context, uid string) (*InteractionView, error) {
	in, err := p.loadInteraction(ctx, uid)
	if err != nil {
		return nil, err
	}
	view := &InteractionView{
		UID:          in.UID,
		State:        State(in.State),
		ClientID:     in.Params.ClientID,
		Scopes:       slices.Clone(in.Params.Scopes),
		Subject:      in.Subject,
		AttemptsLeft: p.attemptsLeft(in),
	}
	if client, err := p.store.GetClient(ctx, in.Params.ClientID); err == nil {
		view.ClientName = client.Name
	}
	if view.ClientName == "" {
		view.ClientName = view.ClientID
	}
	return view, nil
}

// SubmitLogin checks credentials for a LoginPending interaction. Wrong
// credentials keep the interaction in LoginPending until MaxLoginAttempts is
// reached, after which the request is rejected with access_denied.
//
// Every password check first reserves an attempt on the stored interaction,
// so concurrent submissions cannot evaluate more than MaxLoginAttempts
// passwords.
func (p *Provider) SubmitLogin(ctx context.Context, uid, username, password string) (*Outcome, error) {
	if uid == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The interaction id is required."))
	}
	reserved, err := p.store.UpdateInteraction(ctx, uid, func(in *storage.Interaction) error {
		if State(in.State) != StateLoginPending {
			return fmt.Errorf("%w: login submitted in state %s", ErrIllegalTransition, in.State)
		}
		if in.LoginAttempts >= p.cfg.MaxLoginAttempts {
			return fmt.Errorf("%w: login attempts exhausted", ErrIllegalTransition)
		}
		in.LoginAttempts++
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The interaction is not waiting for a login."))
		}
		return nil, p.interactionErr(ctx, err)
	}

	user, err := p.users.Authenticate(ctx, username, password)
	switch {
	case errors.Is(err, users.ErrInvalidCredentials):
		return p.loginFailed(ctx, reserved)
	case err != nil:
		return nil, transientErr(fmt.Errorf("failed to authenticate user: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}

	now := p.now()
	in, err := p.store.UpdateInteraction(ctx, uid, func(in *storage.Interaction) error {
		if err := transition(State(in.State), StateConsentPending); err != nil {
			return err
		}
		in.State = string(StateConsentPending)
		in.Subject = user.Subject
		in.AuthTime = now
		return nil
	})
	if err != nil {
		return nil, p.interactionErr(ctx, err)
	}
	logger.Debugw("user logged in", "interaction", uid, "client_id", in.Params.ClientID)

	session := p.startSession(ctx, user.Subject, now)

	prompts := strings.Fields(in.Params.Prompt)
	if !slices.Contains(prompts, promptConsent) {
		covered, err := p.consentCovers(ctx, in.Subject, in.Params.ClientID, in.Params.Scopes)
		if err != nil {
			return nil, err
		}
		if covered {
			out, err := p.completeInteraction(ctx, in, in.Params.Scopes)
			if err != nil {
				return nil, err
			}
			out.Session = session
			return out, nil
		}
	}

	return &Outcome{State: StateConsentPending, InteractionUID: uid, Session: session}, nil
}

// startSession records a browser session for subject. A failure only costs
// single sign-on, so it is logged and the login proceeds without a session.
func (p *Provider) startSession(ctx context.Context, subject string, now time.Time) *storage.Session {
	sid, err := servercrypto.RandomToken(sessionIDBytes)
	if err != nil {
		logger.Warnw("failed to generate session id", "error", err)
		return nil
	}
	session := &storage.Session{
		ID:        sid,
		Subject:   subject,
		AuthTime:  now,
		ExpiresAt: now.Add(p.cfg.SessionTTL),
	}
	if err := p.store.CreateSession(ctx, session); err != nil {
		logger.Warnw("failed to create session", "error", err)
		return nil
	}
	return session
}

// loginFailed reports a failed password check. The attempt was already
// counted when it was reserved.
func (p *Provider) loginFailed(ctx context.Context, in *storage.Interaction) (*Outcome, error) {
	left := p.attemptsLeft(in)
	if left > 0 {
		return &Outcome{
			State:          StateLoginPending,
			InteractionUID: in.UID,
			Failure:        authnErr(fosite.ErrAccessDenied.WithHint("Invalid username or password."), users.ErrInvalidCredentials),
			AttemptsLeft:   left,
		}, nil
	}

	// A concurrent successful login may already have moved the interaction on.
	in, err := p.store.UpdateInteraction(ctx, in.UID, func(in *storage.Interaction) error {
		if State(in.State) != StateLoginPending {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, in.State, StateRejected)
		}
		in.State = string(StateRejected)
		return nil
	})
	if err != nil {
		return nil, p.interactionErr(ctx, err)
	}
	if err := p.store.DeleteInteraction(ctx, in.UID); err != nil {
		logger.Warnw("failed to delete rejected interaction", "interaction", in.UID, "error", err)
	}
	logger.Infow("login attempts exhausted", "interaction", in.UID, "client_id", in.Params.ClientID)
	return p.rejectRedirect(ctx, StateRejected, in.Params.RedirectURI, in.Params.State,
		authzErr(fosite.ErrAccessDenied.WithHint("Too many failed login attempts.")),
	), nil
}

// SubmitConsent issues a code for the approved scopes. approved must be a
// subset of the requested scopes; openid is kept when it was requested. An
// empty approval is treated as a denial.
func (p *Provider) SubmitConsent(ctx context.Context, uid string, approved []string) (*Outcome, error) {
	in, err := p.loadInteraction(ctx, uid)
	if err != nil {
		return nil, err
	}
	if State(in.State) != StateConsentPending || in.Subject == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The interaction is not waiting for consent."))
	}

	var granted []string
	for _, s := range approved {
		if !slices.Contains(in.Params.Scopes, s) {
			return nil, clientErr(fosite.ErrInvalidScope.WithHintf("Scope %q was not requested.", s))
		}
		if !slices.Contains(granted, s) {
			granted = append(granted, s)
		}
	}
	if len(granted) == 0 {
		return p.Abort(ctx, uid)
	}
	if slices.Contains(in.Params.Scopes, ScopeOpenID) && !slices.Contains(granted, ScopeOpenID) {
		granted = append([]string{ScopeOpenID}, granted...)
	}

	out, err := p.completeInteraction(ctx, in, granted)
	if err != nil {
		return nil, err
	}
	p.rememberConsent(ctx, in.Subject, in.Params.ClientID, granted)
	return out, nil
}

// Abort ends the interaction at the user's request and returns access_denied
// to the client.
func (p *Provider) Abort(ctx context.Context, uid string) (*Outcome, error) {
	in, err := p.loadInteraction(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := transition(State(in.State), StateAbandoned); err != nil {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The interaction cannot be aborted."))
	}
	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}
	if err := p.store.DeleteInteraction(ctx, uid); err != nil {
		return nil, transientErr(fmt.Errorf("failed to delete interaction: %w", err))
	}
	return p.rejectRedirect(ctx, StateAbandoned, in.Params.RedirectURI, in.Params.State,
		authzErr(fosite.ErrAccessDenied.WithHint("The user denied the request.")),
	), nil
}

// completeInteraction swaps the interaction for a code bound to scopes.
func (p *Provider) completeInteraction(ctx context.Context, in *storage.Interaction, scopes []string) (*Outcome, error) {
	if err := transition(State(in.State), StateCodeIssued); err != nil {
		return nil, err
	}
	code, err := p.newCode(&in.Params, in.Subject, in.AuthTime, scopes)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}
	if err := p.store.CompleteInteraction(ctx, in.UID, code); err != nil {
		return nil, p.interactionErr(ctx, err)
	}
	p.finished(ctx, StateCodeIssued)
	logger.Debugw("authorization code issued", "client_id", code.ClientID, "grant_id", code.GrantID)
	return &Outcome{State: StateCodeIssued, RedirectURL: p.codeRedirect(&in.Params, code.Code)}, nil
}

func (p *Provider) rememberConsent(ctx context.Context, subject, clientID string, scopes []string) {
	merged := slices.Clone(scopes)
	if prev, err := p.store.GetConsent(ctx, subject, clientID); err == nil {
		for _, s := range prev.Scopes {
			if !slices.Contains(merged, s) {
				merged = append(merged, s)
			}
		}
	}
	now := p.now()
	c := &storage.Consent{Subject: subject, ClientID: clientID, Scopes: merged, GrantedAt: now}
	if p.cfg.ConsentTTL > 0 {
		c.ExpiresAt = now.Add(p.cfg.ConsentTTL)
	}
	if err := p.store.SaveConsent(ctx, c); err != nil {
		logger.Warnw("failed to remember consent", "client_id", clientID, "error", err)
	}
}

func (p *Provider) loadInteraction(ctx context.Context, uid string) (*storage.Interaction, error) {
	if uid == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The interaction id is required."))
	}
	in, err := p.store.GetInteraction(ctx, uid)
	if err != nil {
		return nil, p.interactionErr(ctx, err)
	}
	return in, nil
}

// interactionErr maps storage and transition failures on an interaction.
func (p *Provider) interactionErr(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrExpired):
		p.finished(ctx, StateExpired)
		return clientErr(fosite.ErrInvalidRequest.WithHint("The interaction has expired."))
	case errors.Is(err, storage.ErrNotFound):
		return clientErr(fosite.ErrInvalidRequest.WithHint("The interaction does not exist."))
	case errors.Is(err, ErrIllegalTransition):
		return newError(ClassClient, fosite.ErrInvalidRequest.WithHint("The interaction is in the wrong state."), err)
	default:
		return transientErr(err)
	}
}

func (p *Provider) attemptsLeft(in *storage.Interaction) int {
	return max(p.cfg.MaxLoginAttempts-in.LoginAttempts, 0)
}
