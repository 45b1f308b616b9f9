package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrUnauthorized is returned for any failed authentication. Callers must not
// tell the client which check failed.
var ErrUnauthorized = eris.New("security: unauthorized")

// AdminKeyHeader carries the separately configured admin key.
const AdminKeyHeader = "X-Admin-Key"

const serviceRole = "service_role"

// BearerToken returns the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// AdminAuthorizer admits requests that present the service-role key, a
// service-role JWT signed with the project secret, or the admin key.
type AdminAuthorizer struct {
	serviceRoleKey string
	jwtSecret      []byte
	adminKey       string
}

// NewAdminAuthorizer creates an authorizer. Empty credentials never match.
func NewAdminAuthorizer(serviceRoleKey, jwtSecret, adminKey string) *AdminAuthorizer {
	return &AdminAuthorizer{
		serviceRoleKey: serviceRoleKey,
		jwtSecret:      []byte(jwtSecret),
		adminKey:       adminKey,
	}
}

// Authorize returns ErrUnauthorized unless r carries admin credentials.
func (a *AdminAuthorizer) Authorize(r *http.Request) error {
	if token := BearerToken(r); token != "" {
		if secureEqual(token, a.serviceRoleKey) {
			return nil
		}
		if role, err := a.tokenRole(token); err == nil && role == serviceRole {
			return nil
		}
	}
	if key := r.Header.Get(AdminKeyHeader); key != "" && secureEqual(key, a.adminKey) {
		return nil
	}
	return ErrUnauthorized
}

func (a *AdminAuthorizer) tokenRole(token string) (string, error) {
	claims, err := parseHS256(token, a.jwtSecret)
	if err != nil {
		return "", err
	}
	role, _ := claims["role"].(string)
	return role, nil
}

// UserVerifier authenticates end users by their session JWT.
type UserVerifier struct {
	jwtSecret []byte
}

// NewUserVerifier creates a verifier for tokens signed with jwtSecret.
func NewUserVerifier(jwtSecret string) *UserVerifier {
	return &UserVerifier{jwtSecret: []byte(jwtSecret)}
}

// UserID returns the subject of a valid, unexpired session token on r.
func (v *UserVerifier) UserID(r *http.Request) (uuid.UUID, error) {
	token := BearerToken(r)
	if token == "" {
		return uuid.Nil, ErrUnauthorized
	}
	claims, err := parseHS256(token, v.jwtSecret, jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, eris.Wrap(ErrUnauthorized, err.Error())
	}
	if role, _ := claims["role"].(string); role == serviceRole {
		return uuid.Nil, ErrUnauthorized
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, ErrUnauthorized
	}
	id, err := uuid.Parse(sub)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrUnauthorized
	}
	return id, nil
}

func parseHS256(token string, secret []byte, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	if len(secret) == 0 {
		return nil, ErrUnauthorized
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...); err != nil {
		return nil, eris.Wrap(err, "security: parse token")
	}
	return claims, nil
}

func secureEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
