package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrEmptyToken is returned when a token provider yields "".
var ErrEmptyToken = errors.New("auth: token provider returned an empty token")

// Bearer signs requests with an Authorization: Bearer header.
type Bearer struct {
	Token TokenProvider
}

// Sign implements Signer.
func (b *Bearer) Sign(ctx context.Context, _ []byte) (http.Header, error) {
	token, err := b.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve token: %w", err)
	}
	if token == "" {
		return nil, ErrEmptyToken
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}
