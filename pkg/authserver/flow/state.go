// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"errors"
	"fmt"
	"slices"
)

// State is a step of the authorization-code flow.
type State string

// Flow states.
const (
	StateRequestReceived     State = "request_received"
	StateInteractionRequired State = "interaction_required"
	StateLoginPending        State = "login_pending"
	StateConsentPending      State = "consent_pending"
	StateCodeIssued          State = "code_issued"
	StateTokenExchanged      State = "token_exchanged"
	StateExpired             State = "expired"
	StateAbandoned           State = "abandoned"
	StateRejected            State = "rejected"
)

// transitions lists the legal successors of each non-terminal state.
var transitions = map[State][]State{
	StateRequestReceived:     {StateInteractionRequired, StateCodeIssued, StateRejected},
	StateInteractionRequired: {StateLoginPending, StateConsentPending, StateExpired, StateRejected},
	StateLoginPending:        {StateLoginPending, StateConsentPending, StateCodeIssued, StateRejected, StateExpired, StateAbandoned},
	StateConsentPending:      {StateCodeIssued, StateRejected, StateExpired, StateAbandoned},
	StateCodeIssued:          {StateTokenExchanged, StateExpired},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// ErrIllegalTransition is wrapped by transition for disallowed moves.
var ErrIllegalTransition = errors.New("illegal state transition")

func transition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
