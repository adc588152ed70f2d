// Package identity works out who is calling from an API Gateway proxy event.
// Strategies are tried in order and the first one that recognises the caller
// wins. Nothing here authenticates users; it only reads identities that an
// upstream authorizer or token issuer has already vouched for.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"chat-orchestrator/internal/domain"
)

var ErrUnauthenticated = errors.New("identity: caller could not be resolved")

// Strategy recognises a caller. ok=false means "not mine, try the next one";
// a non-nil error stops the chain.
type Strategy interface {
	Resolve(ctx context.Context, req events.APIGatewayProxyRequest) (id domain.Identity, ok bool, err error)
}

type Resolver struct {
	strategies []Strategy
}

func NewResolver(strategies ...Strategy) (*Resolver, error) {
	var kept []Strategy
	for _, s := range strategies {
		if s != nil {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil, errors.New("identity: at least one strategy is required")
	}
	return &Resolver{strategies: kept}, nil
}

// Resolve returns the first identity a strategy recognises, or
// ErrUnauthenticated when none does.
func (r *Resolver) Resolve(ctx context.Context, req events.APIGatewayProxyRequest) (domain.Identity, error) {
	for _, s := range r.strategies {
		id, ok, err := s.Resolve(ctx, req)
		if err != nil {
			return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		if ok && !id.Anonymous() {
			return id, nil
		}
	}
	return domain.Identity{}, ErrUnauthenticated
}

// AuthorizerClaims reads the identity that an API Gateway authorizer attached
// to the request: Cognito style claims first, then a Lambda authorizer's
// principalId.
type AuthorizerClaims struct{}

func (AuthorizerClaims) Resolve(_ context.Context, req events.APIGatewayProxyRequest) (domain.Identity, bool, error) {
	auth := req.RequestContext.Authorizer
	if len(auth) == 0 {
		return domain.Identity{}, false, nil
	}
	if claims, ok := auth["claims"].(map[string]interface{}); ok {
		if sub := stringClaim(claims, "sub"); sub != "" {
			return domain.Identity{
				UserID:      sub,
				DisplayName: firstNonEmpty(stringClaim(claims, "name"), stringClaim(claims, "cognito:username"), stringClaim(claims, "email")),
			}, true, nil
		}
	}
	if principal := stringClaim(auth, "principalId"); principal != "" {
		return domain.Identity{UserID: principal, DisplayName: stringClaim(auth, "name")}, true, nil
	}
	return domain.Identity{}, false, nil
}

// Demo always resolves to a fixed identity. It is only added to the chain
// when explicitly enabled.
type Demo struct {
	UserID      string
	DisplayName string
}

func (d Demo) Resolve(context.Context, events.APIGatewayProxyRequest) (domain.Identity, bool, error) {
	if strings.TrimSpace(d.UserID) == "" {
		return domain.Identity{}, false, nil
	}
	return domain.Identity{UserID: d.UserID, DisplayName: d.DisplayName}, true, nil
}

// Header does a case-insensitive lookup; API Gateway passes headers through
// with whatever casing the client used.
func Header(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func stringClaim(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
