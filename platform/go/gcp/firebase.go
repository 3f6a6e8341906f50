package gcp

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/zenGate-Global/palmyra-roster/platform/go/setups"
)

// GetApp creates a Firebase App instance.
func GetApp(ctx context.Context, pathToJson *string) (app *firebase.App, err error) {
	var cfg *firebase.Config
	if projectID := setups.ProjectID(); projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}

	if pathToJson != nil {
		app, err = firebase.NewApp(ctx, cfg, option.WithCredentialsFile(*pathToJson))
	} else {
		app, err = firebase.NewApp(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

// InitFirebaseAuth initializes the Firebase App and returns its Auth client. The client serves both
// token verification and the identity provider used by the import processor.
func InitFirebaseAuth(ctx context.Context) (*firebase.App, *firebaseauth.Client, error) {
	firebaseApp, err := GetApp(ctx, setups.FirebaseCredentialsPath())
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing firebase app [%w]", err)
	}

	fbAuth, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing firebase auth [%w]", err)
	}

	return firebaseApp, fbAuth, nil
}
