package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Validator authenticates bearer tokens into identities.
type Validator struct {
	secret      []byte
	issuer      string
	debugAccess bool
}

// ValidatorBuilder is a builder helper for the Validator.
type ValidatorBuilder struct {
	// Secret is the HMAC signing secret for bearer tokens. This is
	// mandatory.
	Secret string
	// Issuer is the accepted token issuer. Optional; when empty, the
	// issuer claim is not checked.
	Issuer string
	// EnableInsecureDebugAccess accepts tokens of the form "debug:<role>"
	// without a signature. This is a test-only escape hatch; it must
	// never be enabled in production and defaults to disabled.
	EnableInsecureDebugAccess bool
}

// NewValidator returns a new token validator.
func NewValidator(b *ValidatorBuilder) *Validator {
	if len(b.Secret) == 0 && !b.EnableInsecureDebugAccess {
		panic("Secret is missing")
	}
	return &Validator{
		secret:      []byte(b.Secret),
		issuer:      b.Issuer,
		debugAccess: b.EnableInsecureDebugAccess,
	}
}

// CredentialFromRequest extracts the bearer token from a connection
// request: the Authorization header first, then a query parameter named
// "token".
func CredentialFromRequest(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	return r.URL.Query().Get("token")
}

type tokenClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate extracts and validates the credential of a connection
// request and returns the resulting identity. It returns an
// AuthenticationError when no valid identity can be produced.
func (v *Validator) Authenticate(r *http.Request) (*Identity, error) {
	tokenString := CredentialFromRequest(r)
	if len(tokenString) == 0 {
		return nil, &AuthenticationError{Reason: "no credentials"}
	}
	return v.ValidateToken(tokenString)
}

// ValidateToken validates a bearer token and returns the identity it
// carries.
func (v *Validator) ValidateToken(tokenString string) (*Identity, error) {
	if v.debugAccess {
		if role, ok := strings.CutPrefix(tokenString, "debug:"); ok {
			if !KnownRole(role) {
				return nil, &AuthenticationError{Reason: "unknown debug role " + role}
			}
			return &Identity{UserID: "debug", Username: "debug", Role: role}, nil
		}
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, &AuthenticationError{Reason: "unexpected signing method"}
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, &AuthenticationError{Reason: "invalid token"}
	}
	if len(v.issuer) > 0 && claims.Issuer != v.issuer {
		return nil, &AuthenticationError{Reason: "unexpected issuer"}
	}
	if !KnownRole(claims.Role) {
		return nil, &AuthenticationError{Reason: "unknown role " + claims.Role}
	}
	if len(claims.Subject) == 0 {
		return nil, &AuthenticationError{Reason: "token has no subject"}
	}
	return &Identity{
		UserID:   claims.Subject,
		Username: claims.Name,
		Role:     claims.Role,
	}, nil
}
