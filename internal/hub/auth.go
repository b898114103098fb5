package hub

import (
	"errors"
	"net/http"
)

// Authenticator resolves an HTTP upgrade request to a user id. Session
// management itself lives outside this subsystem; the hub only needs an
// identity for presence and fan-out.
type Authenticator interface {
	Auth(r *http.Request) (string, error)
}

// ErrUnauthenticated is returned when no identity can be derived from
// the request.
var ErrUnauthenticated = errors.New("unauthenticated")

// HeaderAuthenticator trusts an upstream-injected identity header, the
// way a gateway or dev setup provides it.
type HeaderAuthenticator struct {
	Header string
}

// Auth returns the user id from the configured header.
func (a HeaderAuthenticator) Auth(r *http.Request) (string, error) {
	h := a.Header
	if h == "" {
		h = "X-Courier-User"
	}
	uid := r.Header.Get(h)
	if uid == "" {
		return "", ErrUnauthenticated
	}
	return uid, nil
}
