package auth

import (
	"encoding/json"
	"errors"

	"golang.org/x/oauth2"
)

const unknownError = "An unknown error occurred"

// AuthError reports a failed token request. Message is the upstream
// explanation or a generic fallback.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// upstreamError is the subset of an OAuth error body we surface.
type upstreamError struct {
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
}

func newAuthError(err error) *AuthError {
	authErr := &AuthError{Message: unknownError, Err: err}

	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return authErr
	}

	var body upstreamError
	if jsonErr := json.Unmarshal(retrieveErr.Body, &body); jsonErr != nil {
		return authErr
	}

	switch {
	case body.Message != "":
		authErr.Message = body.Message
	case body.ErrorDescription != "":
		authErr.Message = body.ErrorDescription
	}
	return authErr
}
