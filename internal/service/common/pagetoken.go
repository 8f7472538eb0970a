package common

import (
	"encoding/base64"

	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

// EncodePageToken turns an opaque store page state into a URL-safe token.
// An empty state yields an empty token, meaning there are no more pages.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperrors.Validationf("invalid page token")
	}
	return state, nil
}
