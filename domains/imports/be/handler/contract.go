package handler

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	platformmiddleware "github.com/zenGate-Global/palmyra-roster/platform/go/middleware"
)

//go:embed openapi.yaml
var contractYAML []byte

// Contract loads the imports OpenAPI document.
func Contract() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	spec, err := loader.LoadFromData(contractYAML)
	if err != nil {
		return nil, fmt.Errorf("load imports contract: %w", err)
	}
	if err := spec.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate imports contract: %w", err)
	}
	return spec, nil
}

// NewContractValidator builds request validation middleware for the JSON endpoints. Rejections are
// written as problem documents.
func NewContractValidator(logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	spec, err := Contract()
	if err != nil {
		return nil, err
	}
	spec.Servers = nil

	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		SilenceServersWarning: true,
		Options: openapi3filter.Options{
			AuthenticationFunc: platformmiddleware.ValidateAuthenticationViaSwagger,
		},
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			logger.Warn("imports request failed contract validation", zap.Int("status", statusCode), zap.String("reason", message))
			problemType := problemTypeValidation
			title := "Validation failed"
			if statusCode == http.StatusUnauthorized {
				problemType = problemTypeUnauthorized
				title = "Unauthorized"
			}
			writeProblem(w, buildProblem(title, message, problemType, statusCode, nil))
		},
	}), nil
}
