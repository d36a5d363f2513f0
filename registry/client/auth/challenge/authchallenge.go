// Package challenge parses WWW-Authenticate challenges (RFC 7235).
package challenge

import (
	"net/http"
	"strings"
)

// Challenge carries information from a WWW-Authenticate response header.
// See RFC 7235.
type Challenge struct {
	// Scheme is the auth-scheme according to RFC 7235, lower cased.
	Scheme string

	// Parameters are the auth-params according to RFC 7235. Names are lower
	// cased.
	Parameters map[string]string
}

// ResponseChallenges returns the challenges of every WWW-Authenticate header
// of a 401 response. Other responses have no challenges.
func ResponseChallenges(resp *http.Response) []Challenge {
	if resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	return parseAuthHeader(resp.Header)
}

// FindScheme returns the first challenge using scheme.
func FindScheme(challenges []Challenge, scheme string) (Challenge, bool) {
	for _, c := range challenges {
		if c.Scheme == scheme {
			return c, true
		}
	}
	return Challenge{}, false
}

func parseAuthHeader(header http.Header) []Challenge {
	var challenges []Challenge
	for _, h := range header.Values("WWW-Authenticate") {
		challenges = append(challenges, parseChallenges(h)...)
	}
	return challenges
}

// parseChallenges parses one header value, which may hold several
// challenges: `Bearer realm="a",service="b", Basic realm="c"`.
func parseChallenges(header string) []Challenge {
	var (
		challenges []Challenge
		current    *Challenge
		s          = header
	)
	for {
		s = skipSpaceAndCommas(s)
		if s == "" {
			break
		}

		var token string
		token, s = expectToken(s)
		if token == "" {
			// Unparseable remainder.
			break
		}

		rest := skipSpace(s)
		if strings.HasPrefix(rest, "=") && current != nil {
			var value string
			rest = skipSpace(rest[1:])
			if strings.HasPrefix(rest, `"`) {
				var ok bool
				value, rest, ok = expectQuoted(rest)
				if !ok {
					break
				}
			} else {
				value, rest = expectToken(rest)
			}
			current.Parameters[strings.ToLower(token)] = value
			s = rest
			continue
		}

		challenges = append(challenges, Challenge{
			Scheme:     strings.ToLower(token),
			Parameters: make(map[string]string),
		})
		current = &challenges[len(challenges)-1]
		s = rest
	}
	return challenges
}

func skipSpace(s string) string {
	return strings.TrimLeft(s, " \t")
}

func skipSpaceAndCommas(s string) string {
	return strings.TrimLeft(s, " \t,")
}

// isTokenChar reports whether c is a tchar as defined by RFC 7230.
func isTokenChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~/", c) >= 0
}

func expectToken(s string) (token, rest string) {
	i := 0
	for ; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			break
		}
	}
	return s[:i], s[i:]
}

func expectQuoted(s string) (value, rest string, ok bool) {
	if s == "" || s[0] != '"' {
		return "", s, false
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return b.String(), s[i+1:], true
		case '\\':
			if i+1 == len(s) {
				return "", "", false
			}
			i++
			b.WriteByte(s[i])
		default:
			b.WriteByte(c)
		}
	}
	return "", "", false
}
