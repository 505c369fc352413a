package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrMissingSubject   = errors.New("missing subject claim")
)

const (
	subjectClaim = "sub"
	userIdClaim  = "user_id"
	expClaim     = "exp"
)

// Identity is the result of verifying a bearer token. UserId is zero
// when the token carries no user id claim.
type Identity struct {
	Subject string
	UserId  int
}

// TokenVerifier validates HS256-signed bearer tokens against a shared
// secret. It is safe for concurrent use.
type TokenVerifier struct {
	signingKey []byte
}

func NewTokenVerifier(signingKey []byte) *TokenVerifier {
	return &TokenVerifier{signingKey: signingKey}
}

// Verify decodes and validates a token, returning the identity it
// asserts. All failures map onto one of the exported sentinel errors.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorExpired != 0 {
			return Identity{}, ErrExpired
		}
		return Identity{}, ErrInvalidSignature
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidSignature
	}

	subject, ok := claims[subjectClaim].(string)
	if !ok || subject == "" {
		return Identity{}, ErrMissingSubject
	}

	identity := Identity{Subject: subject}
	if userId, ok := claims[userIdClaim].(float64); ok {
		identity.UserId = int(userId)
	}

	return identity, nil
}

// CreateToken issues a signed token asserting the given identity,
// expiring after exp. This is the issuance half consumed by the login
// handler; Verify is its inverse.
func (v *TokenVerifier) CreateToken(subject string, userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: subject,
		userIdClaim:  userId,
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.signingKey)
}
