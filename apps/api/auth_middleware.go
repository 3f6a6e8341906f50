package main

import (
	"context"
	"net/http"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/palmyra-roster/platform/go/auth"
	"github.com/zenGate-Global/palmyra-roster/platform/go/gcp"
)

// newFirebaseAuthOnce returns a lazy accessor so the Firebase app is only initialized when token
// verification or the identity provider actually needs it.
func newFirebaseAuthOnce(ctx context.Context, logger *zap.Logger) func() *firebaseauth.Client {
	return sync.OnceValue(func() *firebaseauth.Client {
		_, fbAuth, err := gcp.InitFirebaseAuth(ctx)
		if err != nil {
			logger.Fatal("init firebase auth", zap.Error(err))
		}
		return fbAuth
	})
}

// buildAuthMiddleware constructs the JWT middleware for the configured provider.
func buildAuthMiddleware(cfg config, firebaseAuth func() *firebaseauth.Client, logger *zap.Logger) func(http.Handler) http.Handler {
	var verify platformauth.VerifyFunc
	switch cfg.AuthProvider {
	case "firebase":
		verify = platformauth.FirebaseTokenVerifier(firebaseAuth())
	case "dev":
		logger.Warn("using dev auth middleware; do not use in production")
		verify = platformauth.UnsignedTokenVerifier()
	default:
		logger.Fatal("unsupported auth provider", zap.String("provider", cfg.AuthProvider))
	}

	return platformauth.JWT(verify, platformauth.DefaultCredentialExtractor)
}
