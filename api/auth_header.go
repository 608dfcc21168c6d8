package api

import (
	"errors"
	"strings"
	"unsafe"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// bearerTokenFromString returns the JWT part of an Authorization header
// value. The scheme is matched case-insensitively.
func bearerTokenFromString(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errMissingAuthorization
	}
	scheme, token, ok := strings.Cut(trimmed, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, errBadAuthorization
	}
	token = strings.TrimLeft(token, " ")
	if token == "" || strings.Count(token, ".") != 2 {
		return nil, errBadAuthorization
	}
	return readOnlyBytes(token), nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
