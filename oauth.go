package chatwire

import (
	"context"
	"net/http"
	"strings"
)

// OAuthProvider supplies bearer tokens for HTTP transports and runs the
// authorization flow when a server answers with a 401 challenge. Transports
// run at most one authorize-and-retry cycle per operation; a second 401 is a
// terminal UnauthorizedError.
type OAuthProvider interface {
	// Token returns the current access token, or an empty string when none
	// is available yet.
	Token(ctx context.Context) (string, error)

	// Authorize runs the authorization flow for the given server. The
	// resource metadata URL is taken from the server's WWW-Authenticate
	// challenge and may be empty.
	Authorize(ctx context.Context, serverURL, resourceMetadataURL string) error
}

// extractResourceMetadataURL pulls the resource_metadata parameter out of a
// WWW-Authenticate challenge header, per RFC 9728.
func extractResourceMetadataURL(resp *http.Response) string {
	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return ""
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if scheme, rest, ok := strings.Cut(part, " "); ok && strings.EqualFold(scheme, "Bearer") {
			part = rest
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "resource_metadata") {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}
