package session

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the negotiation handshake that agrees on the transferred files happens
// outside this core, but the transport still needs a membership gate:
// a signed join token proves the connecting peer was invited to this session

type JoinToken struct {
	Address   string
	SessionId Id
}

type SessionAuth struct {
	secret []byte
}

func NewSessionAuth(secret []byte) *SessionAuth {
	return &SessionAuth{
		secret: secret,
	}
}

func (self *SessionAuth) IssueJoinToken(address string, sessionId Id, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"address":    address,
		"session_id": sessionId.String(),
		"exp":        time.Now().Add(ttl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *SessionAuth) VerifyJoinToken(tokenStr string) (*JoinToken, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	joinToken := &JoinToken{}

	address, ok := claims["address"].(string)
	if !ok || address == "" {
		return nil, fmt.Errorf("join token has no address")
	}
	joinToken.Address = address

	sessionIdStr, ok := claims["session_id"].(string)
	if !ok {
		return nil, fmt.Errorf("join token has no session id")
	}
	sessionId, err := ParseId(sessionIdStr)
	if err != nil {
		return nil, err
	}
	joinToken.SessionId = sessionId

	return joinToken, nil
}
