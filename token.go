package tradepost

import (
	"fmt"
	"os"
	"strings"
)

// TokenSource supplies the auth credential attached to connection attempts and
// API calls. It stands in for whatever persistent store the host keeps its
// session in; the client reads it once per attempt and never caches it.
type TokenSource interface {
	Token() (string, error)
}

type staticTokenSource struct {
	token string
}

// StaticToken returns a TokenSource that always yields the given credential.
func StaticToken(token string) TokenSource {
	return staticTokenSource{token: token}
}

func (s staticTokenSource) Token() (string, error) {
	return s.token, nil
}

// FileTokenSource reads the credential from a file on every lookup, so a
// token refreshed by another process is picked up on the next connection
// attempt without restarting the client.
type FileTokenSource struct {
	Path string
}

func (f FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
