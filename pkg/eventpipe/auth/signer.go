// Package auth computes the per-request authentication headers sent to the
// collector.
//
// Two schemes are supported and they are mutually exclusive:
//
//	Bearer  Authorization: Bearer <token>, token resolved on every request
//	HMAC    X-Service-Id, X-Timestamp, X-Nonce and X-Signature-256, where the
//	        signature is HMAC-SHA256(secret, timestamp + nonce + body)
//
// The canonical HMAC message is exact: receivers recompute it byte for byte
// with Signature or check it with Verify.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Signer produces the authentication headers for one request body.
type Signer interface {
	Sign(ctx context.Context, body []byte) (http.Header, error)
}

// TokenProvider resolves the current bearer token. It is called once per
// request; caching, if any, is the provider's business.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Method selects the authentication scheme.
type Method string

const (
	MethodNone   Method = ""
	MethodBearer Method = "bearer"
	MethodHMAC   Method = "hmac"
)

// Config selects and configures a signer.
type Config struct {
	// Method is the explicit scheme. When empty, a legacy token provider
	// passed to NewSigner implies bearer auth.
	Method Method

	// Token resolves bearer tokens (MethodBearer).
	Token TokenProvider

	// ServiceID and Secret configure MethodHMAC.
	ServiceID string
	Secret    string
}

// ErrConfig is wrapped by every configuration error returned by NewSigner.
var ErrConfig = errors.New("auth: invalid configuration")

// NewSigner builds the signer described by cfg. An explicit cfg.Method wins
// over a bare legacy token provider; with neither, requests go out unsigned.
func NewSigner(cfg Config, legacy TokenProvider, opts ...HMACOption) (Signer, error) {
	method := cfg.Method
	if method == MethodNone && (legacy != nil || cfg.Token != nil) {
		method = MethodBearer
	}

	switch method {
	case MethodNone:
		return None{}, nil

	case MethodBearer:
		provider := cfg.Token
		if provider == nil {
			provider = legacy
		}
		if provider == nil {
			return nil, fmt.Errorf("%w: bearer auth requires a token provider", ErrConfig)
		}
		return &Bearer{Token: provider}, nil

	case MethodHMAC:
		if cfg.ServiceID == "" {
			return nil, fmt.Errorf("%w: hmac auth requires a service id", ErrConfig)
		}
		if cfg.Secret == "" {
			return nil, fmt.Errorf("%w: hmac auth requires a secret", ErrConfig)
		}
		return NewHMAC(cfg.ServiceID, []byte(cfg.Secret), opts...), nil

	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrConfig, method)
	}
}

// None adds no headers.
type None struct{}

// Sign implements Signer.
func (None) Sign(context.Context, []byte) (http.Header, error) {
	return http.Header{}, nil
}
