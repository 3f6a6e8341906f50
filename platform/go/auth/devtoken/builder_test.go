package devtoken

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildUnsignedFirebaseToken(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	token, err := BuildUnsignedFirebaseToken(Params{
		ProjectID:     "local-roster",
		UserID:        "admin-123",
		Email:         "admin@example.com",
		Name:          "Dev Admin",
		EmailVerified: true,
		IsAdmin:       true,
		Role:          "admin",
		ExpiresIn:     time.Hour,
	}, now)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	require.Empty(t, parts[2])

	header := decodeSegment(t, parts[0])
	require.Equal(t, "none", header["alg"])

	payload := decodeSegment(t, parts[1])
	require.Equal(t, "https://securetoken.google.com/local-roster", payload["iss"])
	require.Equal(t, "local-roster", payload["aud"])
	require.Equal(t, "admin-123", payload["sub"])
	require.Equal(t, "admin@example.com", payload["email"])
	require.Equal(t, true, payload["isAdmin"])
	require.Equal(t, "admin", payload["role"])
	require.EqualValues(t, now.Add(time.Hour).Unix(), payload["exp"])

	firebaseClaim, ok := payload["firebase"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "password", firebaseClaim["sign_in_provider"])
}

func TestBuildUnsignedFirebaseTokenRequiresFields(t *testing.T) {
	t.Parallel()

	_, err := BuildUnsignedFirebaseToken(Params{UserID: "u", Email: "e@example.com"}, time.Time{})
	require.ErrorContains(t, err, "projectID")

	_, err = BuildUnsignedFirebaseToken(Params{ProjectID: "p", Email: "e@example.com"}, time.Time{})
	require.ErrorContains(t, err, "userID")

	_, err = BuildUnsignedFirebaseToken(Params{ProjectID: "p", UserID: "u"}, time.Time{})
	require.ErrorContains(t, err, "email")
}

func decodeSegment(t *testing.T, segment string) map[string]interface{} {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
