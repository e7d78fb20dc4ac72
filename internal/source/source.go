// Package source holds the error taxonomy shared by the provider clients
// and the sync engine.
package source

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nhle/mailsync/internal/model"
)

// CredentialError indicates a missing, invalid or expired credential that
// cannot be recovered without the user reconnecting.
type CredentialError struct {
	Provider model.Provider
	Message  string
	Err      error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error (%s): %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("credential error (%s): %s", e.Provider, e.Message)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// IsCredentialError reports whether err (or any error in its chain) is a
// CredentialError.
func IsCredentialError(err error) bool {
	var credErr *CredentialError
	return errors.As(err, &credErr)
}

// ScopeError indicates the granted OAuth scopes lack one the engine needs
// for content access. Sync degrades to metadata only.
type ScopeError struct {
	Required string
	Granted  string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing scope %s (granted: %q)", e.Required, e.Granted)
}

// IsScopeError reports whether err (or any error in its chain) is a ScopeError.
func IsScopeError(err error) bool {
	var scopeErr *ScopeError
	return errors.As(err, &scopeErr)
}

// ProviderAPIError is a non-2xx response from a provider endpoint.
type ProviderAPIError struct {
	Provider model.Provider
	Status   int
	Body     string
}

func (e *ProviderAPIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.Status, body)
}

// IsTokenExpired reports whether the provider rejected the access token.
func (e *ProviderAPIError) IsTokenExpired() bool {
	return e.Status == http.StatusUnauthorized
}

// AsProviderAPIError returns the ProviderAPIError in err's chain, if any.
func AsProviderAPIError(err error) (*ProviderAPIError, bool) {
	var apiErr *ProviderAPIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsProviderAPIError reports whether err (or any error in its chain) is a
// ProviderAPIError.
func IsProviderAPIError(err error) bool {
	_, ok := AsProviderAPIError(err)
	return ok
}

// IsTokenExpired reports whether err carries a 401 from a provider.
func IsTokenExpired(err error) bool {
	apiErr, ok := AsProviderAPIError(err)
	return ok && apiErr.IsTokenExpired()
}

// ProtocolError is a malformed or unexpected provider response.
type ProtocolError struct {
	Provider model.Provider
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.Message)
}

// IsProtocolError reports whether err (or any error in its chain) is a
// ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// CursorInvalidError signals that a JMAP server refused a queryState.
// The JMAP strategy recovers from it with a full requery.
type CursorInvalidError struct {
	QueryState string
	Err        error
}

func (e *CursorInvalidError) Error() string {
	return fmt.Sprintf("query state %q rejected: %v", e.QueryState, e.Err)
}

func (e *CursorInvalidError) Unwrap() error { return e.Err }

// IsCursorInvalidError reports whether err (or any error in its chain) is a
// CursorInvalidError.
func IsCursorInvalidError(err error) bool {
	var curErr *CursorInvalidError
	return errors.As(err, &curErr)
}
