package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"chat-orchestrator/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// BearerToken resolves callers from an HS256 signed JWT in the Authorization
// header. The subject becomes the user id and the optional "name" claim the
// display name.
type BearerToken struct {
	secret []byte
}

func NewBearerToken(secret []byte) (*BearerToken, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: jwt secret must not be empty")
	}
	return &BearerToken{secret: secret}, nil
}

func (b *BearerToken) Resolve(_ context.Context, req events.APIGatewayProxyRequest) (domain.Identity, bool, error) {
	raw := strings.TrimSpace(Header(req.Headers, "Authorization"))
	if raw == "" {
		return domain.Identity{}, false, nil
	}
	scheme, token, found := strings.Cut(raw, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return domain.Identity{}, false, nil
	}
	id, err := b.Verify(strings.TrimSpace(token))
	if err != nil {
		return domain.Identity{}, false, err
	}
	return id, true, nil
}

// Verify validates tokenString and extracts the caller from its claims.
func (b *BearerToken) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return b.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredToken
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, ErrInvalidToken
	}
	sub := stringClaim(claims, "sub")
	if sub == "" {
		return domain.Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return domain.Identity{UserID: sub, DisplayName: stringClaim(claims, "name")}, nil
}

// Issue signs a token for id. Used by tooling and tests.
func (b *BearerToken) Issue(id domain.Identity, expiresIn time.Duration) (string, error) {
	issuedAt := time.Now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": issuedAt.Unix(),
		"exp": issuedAt.Add(expiresIn).Unix(),
	}
	if id.DisplayName != "" {
		claims["name"] = id.DisplayName
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}
