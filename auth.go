package collab

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// credentials supplied at connect time. either token alone is enough to
// open a connection. with neither, the connection manager stays idle.
type ClientAuth struct {
	// share-link token for anonymous collaborators
	ShareToken string
	// bearer token from the auth provider
	AuthToken string
}

func (self *ClientAuth) HasCredentials() bool {
	return self.ShareToken != "" || self.AuthToken != ""
}

type AuthClaims struct {
	UserId      string
	DisplayName string
}

// ParseAuthUnverified extracts identity claims from the bearer token without
// verifying the signature. Verification is the auth provider's job. This
// layer only needs the identity for presence display and pin attribution.
func ParseAuthUnverified(authToken string) (*AuthClaims, error) {
	if authToken == "" {
		return nil, errors.New("no auth token")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}

	authClaims := &AuthClaims{}
	if sub, ok := claims["sub"].(string); ok {
		authClaims.UserId = sub
	}
	if name, ok := claims["name"].(string); ok {
		authClaims.DisplayName = name
	}
	return authClaims, nil
}
