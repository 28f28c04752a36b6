package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kelmah/messaging-service/internal/config"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyEmail is the gin context key for the caller's email claim.
	ContextKeyEmail = "email"
	// ContextKeyRoles is the gin context key for resolved caller roles.
	ContextKeyRoles = "roles"
	// ContextKeyIsAdmin is the gin context key for admin authorization.
	ContextKeyIsAdmin = "isAdmin"
)

const RoleAdmin = "admin"

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID  string
	Email   string
	Roles   map[string]bool
	IsAdmin bool
}

// TokenResolver resolves bearer tokens to caller identities. It is
// initialized once at startup and shared by the HTTP middleware and the
// realtime gateway handshake.
type TokenResolver struct {
	verifier    *oidc.IDTokenVerifier
	hmacSecret  []byte
	adminUsers  map[string]bool
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config. It
// performs one-time OIDC provider discovery when OIDCIssuer is configured;
// otherwise JWTSecret selects HMAC verification of auth-service tokens.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker hostname
			// vs external URL). NewProvider fetches from its issuer arg, so
			// pass the discovery URL there and accept the mismatch.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to shared-secret auth", "issuer", oidcIssuer, "err", err)
		} else {
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				// Tokens carry the external issuer; build the verifier against
				// it so validation doesn't fail on issuer mismatch.
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	var secret []byte
	if verifier == nil && cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
		log.Info("HMAC token auth enabled")
	}

	return &TokenResolver{
		verifier:    verifier,
		hmacSecret:  secret,
		adminUsers:  splitCSV(cfg.AdminUsers),
		testingMode: cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
	errNoAuthMode      = errors.New("no token verifier configured")
)

// Resolve resolves a bearer token into a caller Identity.
// bearerToken is the raw token value (without the "Bearer " prefix).
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken string) (*Identity, error) {
	var userID, email string
	roles := map[string]bool{}

	switch {
	case r.verifier != nil && strings.Count(bearerToken, ".") >= 2:
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			Email             string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		userID = claims.PreferredUsername
		if userID == "" {
			userID = claims.Sub
		}
		email = claims.Email
		var rawClaims map[string]any
		if err := idToken.Claims(&rawClaims); err == nil {
			for role := range extractTokenRoles(rawClaims) {
				roles[role] = true
			}
		}

	case len(r.hmacSecret) > 0:
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(bearerToken, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errInvalidJWT
			}
			return r.hmacSecret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		// The auth service puts the user id in "id" or "_id"; "sub" is the
		// standards fallback.
		for _, key := range []string{"id", "_id", "sub"} {
			if v, ok := claims[key].(string); ok && v != "" {
				userID = v
				break
			}
		}
		if v, ok := claims["email"].(string); ok {
			email = v
		}
		if v, ok := claims["role"].(string); ok && v != "" {
			roles[v] = true
		}

	case r.testingMode:
		// Testing mode: the token is the user id directly.
		userID = bearerToken

	default:
		return nil, errNoAuthMode
	}

	if userID == "" {
		return nil, errMissingIdentity
	}
	if r.adminUsers[userID] {
		roles[RoleAdmin] = true
	}

	return &Identity{
		UserID:  userID,
		Email:   email,
		Roles:   roles,
		IsAdmin: roles[RoleAdmin],
	}, nil
}

// --- Gin HTTP middleware ---

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetEmail returns the caller's email claim from the gin context, if any.
func GetEmail(c *gin.Context) string {
	return c.GetString(ContextKeyEmail)
}

// IsAdmin returns true if the request is from an admin.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// BearerToken extracts the caller's token from the Authorization header, or
// from the "token" query parameter as a fallback for websocket handshakes,
// where browsers cannot set custom headers.
func BearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if token := strings.TrimPrefix(auth, "Bearer "); token != auth {
		return token
	}
	return c.Query("token")
}

// AuthMiddleware returns a gin middleware that resolves caller identity using
// the provided TokenResolver. Requests without a valid token never reach the
// handlers.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			log.Info("Auth rejected: missing bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing bearer token"})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		if id.Email != "" {
			c.Set(ContextKeyEmail, id.Email)
		}
		c.Set(ContextKeyRoles, id.Roles)
		c.Set(ContextKeyIsAdmin, id.IsAdmin)
		c.Next()
	}
}

// RequireAdminRole requires the caller to have admin role.
func RequireAdminRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "forbidden"})
			return
		}
		c.Next()
	}
}

// --- helpers ---

func splitCSV(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		result[item] = true
	}
	return result
}

func extractTokenRoles(claims map[string]any) map[string]bool {
	result := map[string]bool{}
	addList := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			result[v] = true
		}
	}

	addList(toStringSlice(claims["roles"]))
	addList(toStringSlice(claims["groups"]))

	if scope, ok := claims["scope"].(string); ok {
		addList(strings.Fields(scope))
	}

	// Keycloak-style realm_access.roles.
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addList(toStringSlice(realm["roles"]))
	}

	return result
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
