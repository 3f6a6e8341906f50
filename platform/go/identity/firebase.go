package identity

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/errorutils"
)

// FirebaseProvider manages identities through Firebase Authentication.
type FirebaseProvider struct {
	client *auth.Client
}

// NewFirebaseProvider wraps an initialized Firebase auth client.
func NewFirebaseProvider(client *auth.Client) *FirebaseProvider {
	if client == nil {
		panic("firebase auth client is required")
	}
	return &FirebaseProvider{client: client}
}

func (p *FirebaseProvider) CreateIdentity(ctx context.Context, email string, meta Metadata) Result {
	email = NormalizeEmail(email)
	params := (&auth.UserToCreate{}).Email(email).EmailVerified(meta.EmailVerified)
	if meta.DisplayName != "" {
		params = params.DisplayName(meta.DisplayName)
	}

	record, err := p.client.CreateUser(ctx, params)
	if err != nil {
		if auth.IsEmailAlreadyExists(err) {
			return Result{Status: StatusDuplicateExists}
		}
		return classifyFirebaseError("create identity", err)
	}

	return Ok(identityFromRecord(record))
}

func (p *FirebaseProvider) LookupIdentityByEmail(ctx context.Context, email string) Result {
	record, err := p.client.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if auth.IsUserNotFound(err) {
			return Result{Status: StatusNotFound}
		}
		return classifyFirebaseError("lookup identity", err)
	}

	return Ok(identityFromRecord(record))
}

func classifyFirebaseError(op string, err error) Result {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return Fatal(wrapped)
	}
	if errorutils.IsResourceExhausted(err) || errorutils.IsUnavailable(err) || errorutils.IsDeadlineExceeded(err) {
		return RateLimited(wrapped)
	}
	return Fatal(wrapped)
}

func identityFromRecord(record *auth.UserRecord) Identity {
	if record == nil || record.UserInfo == nil {
		return Identity{}
	}
	return Identity{
		UID:           record.UID,
		Email:         NormalizeEmail(record.Email),
		EmailVerified: record.EmailVerified,
	}
}
