package docker

import (
	"encoding/json"
	"errors"
	"time"
)

// minimumTokenLifetimeSeconds is the lifetime assumed for tokens whose
// expires_in is missing or implausibly short.
const minimumTokenLifetimeSeconds = 60

type bearerToken struct {
	Token          string    `json:"token"`
	AccessToken    string    `json:"access_token"`
	ExpiresIn      int       `json:"expires_in"`
	IssuedAt       time.Time `json:"issued_at"`
	expirationTime time.Time
}

func newBearerTokenFromJSONBlob(blob []byte) (*bearerToken, error) {
	token := new(bearerToken)
	if err := json.Unmarshal(blob, &token); err != nil {
		return nil, err
	}
	if token.Token == "" {
		token.Token = token.AccessToken
	}
	if token.Token == "" {
		return nil, errors.New("token response contains no token")
	}
	if token.ExpiresIn < minimumTokenLifetimeSeconds {
		token.ExpiresIn = minimumTokenLifetimeSeconds
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}
	token.expirationTime = token.IssuedAt.Add(time.Duration(token.ExpiresIn) * time.Second)
	return token, nil
}

// expired reports whether the token should no longer be sent.
func (t *bearerToken) expired(now time.Time) bool {
	return !now.Before(t.expirationTime)
}
