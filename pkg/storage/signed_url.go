package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken is returned for tampered, malformed or expired download tokens.
var ErrInvalidToken = errors.New("invalid payload token")

// SignedPayload is the content of a verified download token.
type SignedPayload struct {
	SubmissionID string
	Key          string
	ExpiresAt    time.Time
}

// SignedURLSigner creates and validates signed payload download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Generate returns a token granting read access to key on behalf of a submission.
func (s *SignedURLSigner) Generate(submissionID, key string) (string, time.Time, error) {
	if submissionID == "" || key == "" {
		return "", time.Time{}, fmt.Errorf("submission id and key required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).UTC().Truncate(time.Second)
	encodedID := base64.RawURLEncoding.EncodeToString([]byte(submissionID))
	encodedKey := base64.RawURLEncoding.EncodeToString([]byte(key))
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	token := strings.Join([]string{encodedID, exp, encodedKey, s.sign(encodedID, exp, encodedKey)}, ".")
	return token, expiresAt, nil
}

// Parse validates a token and returns what it grants.
func (s *SignedURLSigner) Parse(token string) (SignedPayload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return SignedPayload{}, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	encodedID, exp, encodedKey, signature := parts[0], parts[1], parts[2], parts[3]
	if !hmac.Equal([]byte(s.sign(encodedID, exp, encodedKey)), []byte(signature)) {
		return SignedPayload{}, fmt.Errorf("%w: signature", ErrInvalidToken)
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("%w: timestamp", ErrInvalidToken)
	}
	expiresAt := time.Unix(expUnix, 0).UTC()
	if s.now().After(expiresAt) {
		return SignedPayload{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	id, err := base64.RawURLEncoding.DecodeString(encodedID)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("%w: submission id", ErrInvalidToken)
	}
	key, err := base64.RawURLEncoding.DecodeString(encodedKey)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("%w: key", ErrInvalidToken)
	}
	return SignedPayload{SubmissionID: string(id), Key: string(key), ExpiresAt: expiresAt}, nil
}

func (s *SignedURLSigner) sign(parts ...string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
