// Package paramstore reads secrets such as the answer gateway token and the
// JWT signing secret from AWS SSM Parameter Store. Parameters are addressed by
// key under a common prefix: key "jwt-secret" with prefix "/chat/prod" reads
// "/chat/prod/jwt-secret".
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSM accepts at most this many names per GetParameters call.
const maxNamesPerCall = 10

var ErrParameterNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// OptionalLoader reads parameters that may legitimately be absent.
type OptionalLoader interface {
	GetOptionalParameters(ctx context.Context, keys ...string) (map[string]string, error)
}

type Client struct {
	api    ssmAPI
	prefix string
}

func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: prefix is required")
	}
	return &Client{api: api, prefix: prefix}, nil
}

func (c *Client) name(key string) string {
	return c.prefix + "/" + strings.TrimPrefix(key, "/")
}

// GetParameter returns the decrypted value stored under key.
func (c *Client) GetParameter(ctx context.Context, key string) (string, error) {
	v, ok, err := c.GetOptionalParameter(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrParameterNotFound, c.name(key))
	}
	return v, nil
}

// GetOptionalParameter reports ok=false instead of an error when key does not
// exist.
func (c *Client) GetOptionalParameter(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	values, err := c.GetOptionalParameters(ctx, key)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// GetOptionalParameters fetches keys in as few calls as SSM allows. Absent
// keys are left out of the result; values are trimmed.
func (c *Client) GetOptionalParameters(ctx context.Context, keys ...string) (map[string]string, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	byName := make(map[string]string, len(keys))
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.New("paramstore: key is required")
		}
		n := c.name(key)
		if _, dup := byName[n]; !dup {
			names = append(names, n)
		}
		byName[n] = key
	}

	values := make(map[string]string, len(names))
	for start := 0; start < len(names); start += maxNamesPerCall {
		end := min(start+maxNamesPerCall, len(names))
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          names[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if out == nil {
			return nil, errors.New("paramstore: empty response")
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			if key, ok := byName[*p.Name]; ok {
				values[key] = strings.TrimSpace(*p.Value)
			}
		}
	}
	return values, nil
}
