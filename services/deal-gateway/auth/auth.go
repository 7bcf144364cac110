package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing authenticated user information.
type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized persona within the deal platform.
type Role string

// Supported roles for the gateway.
const (
	RoleInvestor   Role = "investor"
	RoleDealAdmin  Role = "dealadmin"
	RoleCompliance Role = "compliance"
	RoleOperator   Role = "operator"
	RoleAuditor    Role = "auditor"
)

var allowedRoles = map[Role]struct{}{
	RoleInvestor:   {},
	RoleDealAdmin:  {},
	RoleCompliance: {},
	RoleOperator:   {},
	RoleAuditor:    {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject    string
	Role       Role
	Tenant     uint64
	Attributes jwt.MapClaims
}

// Options controls signature verification and claim handling.
type Options struct {
	Alg              string
	Issuer           string
	Audience         []string
	MaxSkewSeconds   int
	HSSecretEnv      string
	RSAPublicKeyFile string
	RoleClaim        string
	TenantClaim      string
}

// Verifier validates bearer tokens and extracts platform claims.
type Verifier struct {
	opts   Options
	method string
	hsKey  []byte
	rsaKey *rsa.PublicKey
}

// NewVerifier builds a verifier for the configured algorithm. HS256 reads the
// shared secret from the named environment variable; RS256 reads a PEM public
// key from disk.
func NewVerifier(opts Options) (*Verifier, error) {
	if opts.RoleClaim == "" {
		opts.RoleClaim = "role"
	}
	if opts.TenantClaim == "" {
		opts.TenantClaim = "tenant"
	}
	v := &Verifier{opts: opts, method: strings.ToUpper(strings.TrimSpace(opts.Alg))}
	switch v.method {
	case "", "HS256":
		v.method = "HS256"
		if opts.HSSecretEnv == "" {
			return nil, errors.New("auth: HS256 requires a secret environment variable")
		}
		secret := os.Getenv(opts.HSSecretEnv)
		if strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("auth: environment variable %s is empty", opts.HSSecretEnv)
		}
		v.hsKey = []byte(secret)
	case "RS256":
		if opts.RSAPublicKeyFile == "" {
			return nil, errors.New("auth: RS256 requires a public key file")
		}
		raw, err := os.ReadFile(opts.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: read public key: %w", err)
		}
		key, err := parseRSAPublicKey(raw)
		if err != nil {
			return nil, err
		}
		v.rsaKey = key
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", opts.Alg)
	}
	return v, nil
}

func parseRSAPublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("auth: no PEM block in public key")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("auth: PEM key is not RSA")
		}
		return rsaKey, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("auth: unable to parse RSA public key")
}

// Verify parses and validates a compact token and extracts claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method}),
		jwt.WithLeeway(time.Duration(v.opts.MaxSkewSeconds) * time.Second),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	for _, aud := range v.opts.Audience {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}
	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (interface{}, error) {
		if v.method == "HS256" {
			return v.hsKey, nil
		}
		return v.rsaKey, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: token rejected: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token invalid")
	}
	subject, _ := mapClaims.GetSubject()
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("auth: token missing subject")
	}
	role, err := extractRole(mapClaims, v.opts.RoleClaim)
	if err != nil {
		return nil, err
	}
	return &Claims{
		Subject:    subject,
		Role:       role,
		Tenant:     extractTenant(mapClaims, v.opts.TenantClaim),
		Attributes: mapClaims,
	}, nil
}

func extractRole(claims jwt.MapClaims, claim string) (Role, error) {
	value, ok := claims[claim]
	if !ok {
		return "", fmt.Errorf("auth: token missing %s claim", claim)
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("auth: %s claim is not a string", claim)
	}
	role := Role(strings.ToLower(strings.TrimSpace(text)))
	if _, ok := allowedRoles[role]; !ok {
		return "", fmt.Errorf("auth: unknown role %q", text)
	}
	return role, nil
}

func extractTenant(claims jwt.MapClaims, claim string) uint64 {
	switch value := claims[claim].(type) {
	case float64:
		if value > 0 {
			return uint64(value)
		}
	case int64:
		if value > 0 {
			return uint64(value)
		}
	}
	return 0
}

// Middleware authenticates bearer tokens and stores claims on the request
// context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves claims stored by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("auth: no claims on context")
	}
	return claims, nil
}

// WithClaims injects claims into a context. Tests use it to bypass token
// verification.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// RequireRole ensures the authenticated user has at least one of the allowed
// roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
