package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSigner_IssueAndVerify(t *testing.T) {
	req := require.New(t)
	s := NewSigner("secret", time.Hour)

	token, err := s.Issue("conn-1", "Alice")
	req.NoError(err)

	claims, err := s.Verify(token)
	req.NoError(err)
	req.Equal("Alice", claims.Name)
	req.Equal("conn-1", claims.Subject)
}

func TestSigner_RejectsForeignSecret(t *testing.T) {
	req := require.New(t)

	token, err := NewSigner("secret", time.Hour).Issue("conn-1", "Alice")
	req.NoError(err)

	_, err = NewSigner("other", time.Hour).Verify(token)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestSigner_RejectsExpiredToken(t *testing.T) {
	req := require.New(t)
	s := NewSigner("secret", time.Minute)
	issuedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issuedAt }

	token, err := s.Issue("conn-1", "Alice")
	req.NoError(err)

	s.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = s.Verify(token)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestSigner_RejectsGarbage(t *testing.T) {
	_, err := NewSigner("secret", time.Hour).Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
