// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ory/fosite"
)

// Class groups errors by who has to act on them.
type Class int

// Error classes.
const (
	// ClassClient is a malformed or disallowed request.
	ClassClient Class = iota + 1
	// ClassAuthentication is a failed client, user or token authentication.
	ClassAuthentication
	// ClassAuthorization is an authenticated caller lacking permission.
	ClassAuthorization
	// ClassTransient is a retryable backend failure.
	ClassTransient
	// ClassFatal is a misconfiguration that should stop the process.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassAuthentication:
		return "authentication"
	case ClassAuthorization:
		return "authorization"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the class to a response status.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassClient:
		return http.StatusBadRequest
	case ClassAuthentication:
		return http.StatusUnauthorized
	case ClassAuthorization:
		return http.StatusForbidden
	case ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Errors not predefined by fosite.
var (
	// ErrInvalidToken is the RFC 6750 error for unusable bearer tokens.
	ErrInvalidToken = &fosite.RFC6749Error{
		ErrorField:       "invalid_token",
		DescriptionField: "The access token is invalid.",
		CodeField:        http.StatusUnauthorized,
	}
	// ErrInsufficientScope is the RFC 6750 error for tokens lacking a scope.
	ErrInsufficientScope = &fosite.RFC6749Error{
		ErrorField:       "insufficient_scope",
		DescriptionField: "The access token does not carry the required scope.",
		CodeField:        http.StatusForbidden,
	}
)

// Error is a flow failure. RFC is what the client sees; Cause is only logged.
type Error struct {
	Class Class
	RFC   *fosite.RFC6749Error
	Cause error
}

func newError(class Class, rfc *fosite.RFC6749Error, cause error) *Error {
	return &Error{Class: class, RFC: rfc, Cause: cause}
}

func clientErr(rfc *fosite.RFC6749Error) *Error { return newError(ClassClient, rfc, nil) }

func authnErr(rfc *fosite.RFC6749Error, cause error) *Error {
	return newError(ClassAuthentication, rfc, cause)
}

func authzErr(rfc *fosite.RFC6749Error) *Error { return newError(ClassAuthorization, rfc, nil) }

func transientErr(cause error) *Error {
	return newError(ClassTransient, fosite.ErrTemporarilyUnavailable, cause)
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Class.String())
	b.WriteString(": ")
	b.WriteString(e.Code())
	if d := e.Description(); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes both the RFC error and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.RFC != nil {
		errs = append(errs, e.RFC)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Code is the RFC 6749 error code.
func (e *Error) Code() string {
	if e.RFC == nil {
		return fosite.ErrServerError.ErrorField
	}
	return e.RFC.ErrorField
}

// Description joins the RFC description and hint.
func (e *Error) Description() string {
	if e.RFC == nil {
		return ""
	}
	return strings.TrimSpace(e.RFC.DescriptionField + " " + e.RFC.HintField)
}

// HTTPStatus is the response status for the error.
func (e *Error) HTTPStatus() int {
	return e.Class.HTTPStatus()
}

// Body is the JSON response body. It never includes Cause.
func (e *Error) Body() map[string]string {
	body := map[string]string{"error": e.Code()}
	if d := e.Description(); d != "" {
		body["error_description"] = d
	}
	return body
}

// AsError converts any error into an *Error, treating unknown errors as
// server errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return newError(ClassFatal, fosite.ErrServerError, err)
}
