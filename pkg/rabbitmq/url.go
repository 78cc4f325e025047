package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizeURL cleans a broker URL pasted from a dashboard or an env file:
// surrounding quotes and stray characters before the scheme are dropped and
// an empty vhost path becomes "/".
func normalizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("amqp url scheme must be amqp or amqps, got %q", parsed.Scheme)
	}
	if parsed.Path == "" {
		clean += "/"
	}
	return clean, nil
}
