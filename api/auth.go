package api

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang-jwt/jwt/v4"

	"task-tracker/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	defaultTokenTTL     = 12 * time.Hour
	localIssuer         = "task-tracker"
	defaultRoleClaim    = "role"
)

var errLocalAuthDisabled = errors.New("local sign-in is not configured")

// Identity is the authenticated caller of a request.
type Identity struct {
	Subject string
	Name    string
	Email   string
	Role    domain.Role
}

// Actor is the name recorded in activity entries.
func (i Identity) Actor() string {
	if name := strings.TrimSpace(i.Name); name != "" {
		return name
	}
	return i.Subject
}

func (i Identity) IsAdmin() bool { return i.Role == domain.RoleAdmin }

// AuthConfig selects the accepted token kinds. LocalSecret enables HS256
// tokens issued by the login endpoint; JWKS enables RS256 tokens from an
// external identity provider. Both may be set.
type AuthConfig struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	LocalSecret []byte
	TokenTTL    time.Duration
	KeyCacheTTL time.Duration
	// RoleClaim names the claim carrying the role in provider tokens.
	RoleClaim string
}

// Auth validates incoming JWT tokens and issues local ones.
type Auth struct {
	jwks      *keyfunc.JWKS
	audience  string
	issuer    string
	secret    []byte
	tokenTTL  time.Duration
	roleClaim string
	now       func() time.Time

	parser      *jwt.Parser
	keyCache    *ristretto.Cache[string, any]
	keyCacheTTL time.Duration
}

// NewAuth creates a new Auth instance.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	if cfg.JWKS == nil && len(cfg.LocalSecret) == 0 {
		return nil, errors.New("auth: either a JWKS or a local secret is required")
	}
	a := &Auth{
		jwks:        cfg.JWKS,
		audience:    cfg.Audience,
		issuer:      cfg.Issuer,
		secret:      cfg.LocalSecret,
		tokenTTL:    cfg.TokenTTL,
		roleClaim:   cfg.RoleClaim,
		keyCacheTTL: cfg.KeyCacheTTL,
		now:         time.Now,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = defaultTokenTTL
	}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if a.roleClaim == "" {
		a.roleClaim = defaultRoleClaim
	}

	var methods []string
	if len(a.secret) > 0 {
		methods = append(methods, "HS256")
	}
	if a.jwks != nil {
		methods = append(methods, "RS256")
		if a.keyCacheTTL > 0 {
			cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
				NumCounters: 1000,
				MaxCost:     100,
				BufferItems: 64,
			})
			if err != nil {
				return nil, err
			}
			a.keyCache = cache
		}
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods(methods))
	return a, nil
}

// Close releases the key cache.
func (a *Auth) Close() {
	if a.keyCache != nil {
		a.keyCache.Close()
	}
}

// IdentityFromAuthHeader extracts the caller from the Authorization header.
func (a *Auth) IdentityFromAuthHeader(h string) (Identity, error) {
	if h == "" {
		return Identity{}, errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return Identity{}, err
	}
	return a.IdentityFromBearer(token)
}

// IdentityFromBearer verifies a bearer token presented as raw bytes.
func (a *Auth) IdentityFromBearer(token []byte) (Identity, error) {
	if len(token) == 0 {
		return Identity{}, errBadAuthorization
	}

	local := false
	parsedToken, err := a.parser.Parse(readOnlyString(token), func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(a.secret) == 0 {
				return nil, errors.New("invalid signing method")
			}
			local = true
			return a.secret, nil
		case *jwt.SigningMethodRSA:
			return a.keyForToken(t)
		}
		return nil, errors.New("invalid signing method")
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}

	now := a.now()
	leeway := now.Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return Identity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(leeway, false) {
		return Identity{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(leeway, false) {
		return Identity{}, errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return Identity{}, errors.New("invalid audience")
	}
	issuer := a.issuer
	if local {
		issuer = localIssuer
	}
	if issuer != "" && !claims.VerifyIssuer(issuer, false) {
		return Identity{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, errors.New("missing sub")
	}

	id := Identity{Subject: sub, Role: domain.RoleMember}
	id.Name, _ = claims["name"].(string)
	id.Email, _ = claims["email"].(string)
	roleKey := a.roleClaim
	if local {
		roleKey = defaultRoleClaim
	}
	if role, _ := claims[roleKey].(string); domain.Role(role).Valid() {
		id.Role = domain.Role(role)
	}
	return id, nil
}

// Issue signs an HS256 session token for u.
func (a *Auth) Issue(u domain.User) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errLocalAuthDisabled
	}
	now := a.now()
	expiresAt := now.Add(a.tokenTTL)
	claims := jwt.MapClaims{
		"sub":   u.Email,
		"name":  u.Name,
		"email": u.Email,
		"role":  string(u.Role),
		"iss":   localIssuer,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   expiresAt.Unix(),
	}
	if a.audience != "" {
		claims["aud"] = a.audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCache != nil {
		if key, ok := a.keyCache.Get(kid); ok {
			return key, nil
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCache != nil {
		a.keyCache.SetWithTTL(kid, key, 1, a.keyCacheTTL)
	}
	return key, nil
}
