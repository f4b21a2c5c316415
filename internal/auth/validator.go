package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/campushub/chat-relay/internal/types"
)

var (
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenExpired     = errors.New("token expired")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrTokenRevoked     = errors.New("token revoked")
)

const (
	userIdClaim   = "sub"
	tenantIdClaim = "tid"
	rolesClaim    = "roles"
	issuerClaim   = "iss"
	audienceClaim = "aud"
	expClaim      = "exp"
	tokenIdClaim  = "jti"
)

// Validator checks bearer credentials presented at the websocket
// handshake. Validation is a pure signature/expiry/issuer check plus a
// lookup in a local revocation set; it never performs blocking I/O.
type Validator struct {
	signingKey []byte
	issuer     string
	audience   string

	revokedLock sync.RWMutex
	revoked     map[string]struct{}
}

func NewValidator(signingKey []byte, issuer, audience string) *Validator {
	return &Validator{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		revoked:    make(map[string]struct{}),
	}
}

// Validate verifies the credential and returns the identity it carries.
// Failures map onto the package's sentinel errors so the gateway can
// report a rejection reason.
func (v *Validator) Validate(credential string) (types.Identity, error) {
	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, classifyParseError(err)
	}

	if !token.Valid {
		return types.Identity{}, ErrSignatureInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, ErrTokenMalformed
	}

	if v.issuer != "" {
		if iss, _ := claims[issuerClaim].(string); iss != v.issuer {
			return types.Identity{}, fmt.Errorf("%w: bad issuer %q", ErrTokenMalformed, iss)
		}
	}
	if v.audience != "" {
		if aud, _ := claims[audienceClaim].(string); aud != v.audience {
			return types.Identity{}, fmt.Errorf("%w: bad audience %q", ErrTokenMalformed, aud)
		}
	}

	if jti, _ := claims[tokenIdClaim].(string); jti != "" && v.isRevoked(jti) {
		return types.Identity{}, ErrTokenRevoked
	}

	userId, _ := claims[userIdClaim].(string)
	if userId == "" {
		return types.Identity{}, fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	tenantId, _ := claims[tenantIdClaim].(string)

	var roles []string
	if rawRoles, ok := claims[rolesClaim].([]interface{}); ok {
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				roles = append(roles, role)
			}
		}
	}

	return types.Identity{
		UserId:   userId,
		TenantId: tenantId,
		Roles:    roles,
	}, nil
}

// Revoke adds a token id to the local revocation set. Subsequent
// credentials carrying that jti are rejected.
func (v *Validator) Revoke(tokenId string) {
	v.revokedLock.Lock()
	defer v.revokedLock.Unlock()
	v.revoked[tokenId] = struct{}{}
}

func (v *Validator) isRevoked(tokenId string) bool {
	v.revokedLock.RLock()
	defer v.revokedLock.RUnlock()
	_, ok := v.revoked[tokenId]
	return ok
}

func classifyParseError(err error) error {
	var vErr *jwt.ValidationError
	if !errors.As(err, &vErr) {
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	switch {
	case vErr.Errors&jwt.ValidationErrorMalformed != 0:
		return ErrTokenMalformed
	case vErr.Errors&(jwt.ValidationErrorExpired|jwt.ValidationErrorNotValidYet) != 0:
		return ErrTokenExpired
	case vErr.Errors&(jwt.ValidationErrorSignatureInvalid|jwt.ValidationErrorUnverifiable) != 0:
		return ErrSignatureInvalid
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

// CreateToken signs a credential for the given identity. The relay only
// validates tokens in production; this is used by tests and the local
// development flow where no external identity service is running.
func CreateToken(signingKey []byte, issuer, audience string, identity types.Identity, tokenId string, exp time.Duration) (string, error) {
	claims := jwt.MapClaims{
		userIdClaim: identity.UserId,
		expClaim:    time.Now().Add(exp).Unix(),
	}
	if identity.TenantId != "" {
		claims[tenantIdClaim] = identity.TenantId
	}
	if len(identity.Roles) > 0 {
		claims[rolesClaim] = identity.Roles
	}
	if issuer != "" {
		claims[issuerClaim] = issuer
	}
	if audience != "" {
		claims[audienceClaim] = audience
	}
	if tokenId != "" {
		claims[tokenIdClaim] = tokenId
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}
