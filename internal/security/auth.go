package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"inbox-service/internal/config"
	"inbox-service/internal/model"
)

const (
	// ContextKeyPrincipalID is the gin context key for the authenticated principal ID.
	ContextKeyPrincipalID = "principalID"
	// ContextKeyPrincipalRole is the gin context key for the principal's role.
	ContextKeyPrincipalRole = "principalRole"
)

// HeaderPrincipalRole selects the role of a bearer-token principal in testing mode.
const HeaderPrincipalRole = "X-Principal-Role"

// TokenResolver resolves bearer tokens to principals. It is initialized once at startup.
type TokenResolver struct {
	verifier           *oidc.IDTokenVerifier
	jwtSecret          []byte
	roleClaim          string
	businessOIDCRole   string
	businessPrincipals map[string]bool
	testingMode        bool
	// opaqueAllowed is true when bearer tokens that are not JWTs are taken as
	// principal IDs: in testing mode, or when no verifier is configured at all.
	opaqueAllowed bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// NewProvider fetches from its issuer arg; accept the mismatched issuer
			// in the discovery document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; OIDC tokens will be rejected", "issuer", oidcIssuer, "err", err)
		} else {
			if expectedIssuer != oidcIssuer {
				var providerClaims struct {
					JWKSURI string `json:"jwks_uri"`
				}
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{SkipClientIDCheck: true})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
		log.Info("Session token auth enabled")
	}
	authConfigured := cfg.OIDCIssuer != "" || secret != nil
	if !authConfigured {
		log.Warn("Neither OIDC nor a JWT secret is configured; bearer tokens are trusted as principal IDs")
	}

	roleClaim := strings.TrimSpace(cfg.OIDCRoleClaim)
	if roleClaim == "" {
		roleClaim = "principal_type"
	}
	businessRole := strings.TrimSpace(cfg.BusinessOIDCRole)
	if businessRole == "" {
		businessRole = string(model.RoleBusiness)
	}

	return &TokenResolver{
		verifier:           verifier,
		jwtSecret:          secret,
		roleClaim:          roleClaim,
		businessOIDCRole:   businessRole,
		businessPrincipals: splitCSV(cfg.BusinessPrincipals),
		testingMode:        cfg.Mode == config.ModeTesting,
		opaqueAllowed:      cfg.Mode == config.ModeTesting || !authConfigured,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
	errNoVerifier      = errors.New("JWT received but no token verifier is configured")
	errInvalidRole     = errors.New("invalid principal role")
	errOpaqueToken     = errors.New("bearer token is not a JWT")
)

// Resolve turns a bearer token (without the "Bearer " prefix) into a principal.
// Tokens that are not JWTs are rejected once OIDC or a JWT secret is configured,
// unless the service runs in testing mode. roleHeader is the X-Principal-Role
// header; it is only honored in testing mode for tokens that are not JWTs.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, roleHeader string) (model.Principal, error) {
	if strings.Count(bearerToken, ".") >= 2 {
		claims, err := r.verify(ctx, bearerToken)
		if err != nil {
			return model.Principal{}, err
		}
		return r.principalFromClaims(claims)
	}

	// Opaque bearer token: the token is the principal ID.
	if !r.opaqueAllowed {
		return model.Principal{}, errOpaqueToken
	}
	p := model.Principal{ID: bearerToken, Role: r.defaultRole(bearerToken)}
	if r.testingMode {
		if hdr := strings.TrimSpace(roleHeader); hdr != "" {
			role := model.Role(strings.ToLower(hdr))
			if !role.Valid() {
				return model.Principal{}, fmt.Errorf("%w: %q", errInvalidRole, hdr)
			}
			p.Role = role
		}
	}
	return p, nil
}

func (r *TokenResolver) verify(ctx context.Context, token string) (map[string]any, error) {
	if r.jwtSecret != nil && isHMAC(token) {
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return r.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		if !parsed.Valid {
			return nil, errInvalidJWT
		}
		return claims, nil
	}
	if r.verifier == nil {
		return nil, errNoVerifier
	}
	idToken, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return nil, errors.Join(errInvalidJWT, err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Join(errInvalidJWT, err)
	}
	return claims, nil
}

func isHMAC(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	_, ok := parsed.Method.(*jwt.SigningMethodHMAC)
	return ok
}

func (r *TokenResolver) principalFromClaims(claims map[string]any) (model.Principal, error) {
	// Prefer preferred_username, then upn, then sub.
	var id string
	for _, key := range []string{"preferred_username", "upn", "sub"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			id = strings.TrimSpace(v)
			break
		}
	}
	if id == "" {
		return model.Principal{}, errMissingIdentity
	}

	if v, ok := claims[r.roleClaim].(string); ok && v != "" {
		role := model.Role(strings.ToLower(strings.TrimSpace(v)))
		if !role.Valid() {
			return model.Principal{}, fmt.Errorf("%w: %q", errInvalidRole, v)
		}
		return model.Principal{ID: id, Role: role}, nil
	}
	if extractTokenRoles(claims)[r.businessOIDCRole] {
		return model.Principal{ID: id, Role: model.RoleBusiness}, nil
	}
	return model.Principal{ID: id, Role: r.defaultRole(id)}, nil
}

func (r *TokenResolver) defaultRole(id string) model.Role {
	if r.businessPrincipals[id] {
		return model.RoleBusiness
	}
	return model.RoleUser
}

// --- Gin HTTP middleware ---

// GetPrincipal returns the authenticated principal from the gin context.
func GetPrincipal(c *gin.Context) model.Principal {
	role, _ := c.Get(ContextKeyPrincipalRole)
	r, _ := role.(model.Role)
	return model.Principal{ID: c.GetString(ContextKeyPrincipalID), Role: r}
}

// AuthMiddleware returns a gin middleware that resolves the principal from the Authorization header.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || strings.TrimSpace(token) == "" {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "invalid Authorization header; expected Bearer token"})
			return
		}

		p, err := resolver.Resolve(c.Request.Context(), strings.TrimSpace(token), c.GetHeader(HeaderPrincipalRole))
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": err.Error()})
			return
		}

		c.Set(ContextKeyPrincipalID, p.ID)
		c.Set(ContextKeyPrincipalRole, p.Role)
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
		var out []string
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
		return out
	}
}
