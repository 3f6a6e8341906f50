package middleware

import (
	"context"
	"errors"

	"github.com/getkin/kin-openapi/openapi3filter"

	platformauth "github.com/zenGate-Global/palmyra-roster/platform/go/auth"
)

var (
	errMissingCredentials = errors.New("missing or invalid bearer credentials")
	errAdminRequired      = errors.New("admin role required")
)

// ValidateAuthenticationViaSwagger is the AuthenticationFunc of the OpenAPI request validator.
// Operations declaring bearerAuth need admin credentials already placed on the context by auth.JWT.
func ValidateAuthenticationViaSwagger(_ context.Context, input *openapi3filter.AuthenticationInput) error {
	if input == nil || input.SecuritySchemeName != "bearerAuth" {
		return nil
	}
	r := input.RequestValidationInput.Request
	if r == nil {
		return errors.New("no request in validation input")
	}

	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		return errMissingCredentials
	}
	if !creds.IsAdmin {
		return errAdminRequired
	}
	return nil
}
