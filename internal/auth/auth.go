package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const Header = "Proxy-Authorization"

// Lookup returns the expected password for username.
type Lookup func(username string) (password string, ok bool)

// Credentials parses a "Basic" Proxy-Authorization header.
func Credentials(r *http.Request) (username, password string, ok bool) {
	authHeader := r.Header.Get(Header)
	if authHeader == "" {
		return "", "", false
	}

	scheme, encoded, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}

	username, password, found = strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return username, password, true
}

// Authenticate checks the request credentials against lookup.
func Authenticate(r *http.Request, lookup Lookup) (username string, authorized bool) {
	user, pass, ok := Credentials(r)
	if !ok {
		return "", false
	}

	allowedPass, ok := lookup(user)
	if !ok || subtle.ConstantTimeCompare([]byte(allowedPass), []byte(pass)) != 1 {
		return "", false
	}
	return user, true
}
