package session

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestJoinTokenRoundTrip(t *testing.T) {
	auth := NewSessionAuth([]byte("s3cret"))
	sessionId := NewId()

	tokenStr, err := auth.IssueJoinToken("alice@example.com/editor", sessionId, time.Minute)
	assert.Equal(t, nil, err)

	token, err := auth.VerifyJoinToken(tokenStr)
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice@example.com/editor", token.Address)
	assert.Equal(t, sessionId, token.SessionId)
}

func TestJoinTokenWrongSecret(t *testing.T) {
	tokenStr, err := NewSessionAuth([]byte("s3cret")).IssueJoinToken("alice@example.com/editor", NewId(), time.Minute)
	assert.Equal(t, nil, err)

	_, err = NewSessionAuth([]byte("other")).VerifyJoinToken(tokenStr)
	assert.NotEqual(t, nil, err)
}

func TestJoinTokenExpired(t *testing.T) {
	auth := NewSessionAuth([]byte("s3cret"))
	tokenStr, err := auth.IssueJoinToken("alice@example.com/editor", NewId(), -time.Minute)
	assert.Equal(t, nil, err)

	_, err = auth.VerifyJoinToken(tokenStr)
	assert.NotEqual(t, nil, err)
}

func TestJoinTokenGarbage(t *testing.T) {
	_, err := NewSessionAuth([]byte("s3cret")).VerifyJoinToken("not-a-token")
	assert.NotEqual(t, nil, err)
}
