package consent

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"

	"custodia/internal/records"
)

// Wire format: {16-hex subject fragment}_{64-hex random secret}. The fragment
// is the first 8 bytes of an HMAC over the subject id and is the token's
// subject binding; the secret is 32 random bytes whose SHA-256 digest is the
// only thing persisted.
//
// The fragment is a truncated keyed hash, so its keyspace is narrow relative
// to the full HMAC. The stored digest covers the whole token, which keeps the
// fragment from authorizing anything on its own, but the subject binding
// itself stays fragment-sized. Strengthening it to a full-width binding is a
// wire-format change for the grant/deny endpoints.

const (
	fragmentHexLen = 16
	secretHexLen   = 64

	// DefaultTTL bounds how long an issued consent token stays usable.
	DefaultTTL = 30 * 24 * time.Hour
)

// IssuedToken carries the one time the plaintext token exists in memory,
// alongside the record that gets persisted.
type IssuedToken struct {
	Token  string
	Record records.TokenRecord
}

// Issuer mints and verifies subject-bound consent tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
}

func NewIssuer(key string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: []byte(key), ttl: ttl}
}

// Issue mints a token bound to the subject, valid from now for the TTL.
func (i *Issuer) Issue(subjectID id.SubjectID, now time.Time) (*IssuedToken, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("read token entropy: %w", err)
	}

	fragment := i.subjectFragment(subjectID)
	token := fragment + "_" + hex.EncodeToString(secret)

	return &IssuedToken{
		Token: token,
		Record: records.TokenRecord{
			SubjectID:       subjectID,
			Digest:          digest(token),
			SubjectFragment: fragment,
			IssuedAt:        now,
			ExpiresAt:       now.Add(i.ttl),
		},
	}, nil
}

// Verify checks a presented token against the persisted record: exact subject
// binding, digest match, and TTL.
func (i *Issuer) Verify(subjectID id.SubjectID, token string, rec *records.TokenRecord, now time.Time) error {
	fragment, _, ok := splitToken(token)
	if !ok {
		return dErrors.New(dErrors.CodeInvalidToken, "malformed consent token")
	}

	expected := i.subjectFragment(subjectID)
	if subtle.ConstantTimeCompare([]byte(fragment), []byte(expected)) != 1 {
		return dErrors.New(dErrors.CodeInvalidToken, "token is not bound to this subject")
	}
	if subtle.ConstantTimeCompare([]byte(digest(token)), []byte(rec.Digest)) != 1 {
		return dErrors.New(dErrors.CodeInvalidToken, "token digest mismatch")
	}
	if now.After(rec.ExpiresAt) {
		return dErrors.Wrap(sentinel.ErrExpired, dErrors.CodeTokenExpired, "consent token expired")
	}
	return nil
}

func (i *Issuer) subjectFragment(subjectID id.SubjectID) string {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(subjectID.String()))
	return hex.EncodeToString(mac.Sum(nil))[:fragmentHexLen]
}

func splitToken(token string) (fragment, secret string, ok bool) {
	parts := strings.SplitN(token, "_", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	fragment, secret = parts[0], parts[1]
	if len(fragment) != fragmentHexLen || len(secret) != secretHexLen {
		return "", "", false
	}
	if !isHex(fragment) || !isHex(secret) {
		return "", "", false
	}
	return fragment, secret, true
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
