package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Endpoint is the canonical webhook credential: id + token.
//
// Historically the system stored either a full webhook URL or an id/token
// pair; ParseEndpoint normalizes both shapes so nothing downstream branches
// on which one was supplied.
type Endpoint struct {
	ID    string
	Token string
}

var ErrBadEndpoint = errors.New("malformed webhook endpoint")

var webhookURLRe = regexp.MustCompile(`^https://(?:[a-z]+\.)?discord(?:app)?\.com/api(?:/v[0-9]+)?/webhooks/([0-9]+)/([A-Za-z0-9_.-]+)/?$`)

// ParseEndpoint accepts either a full Discord webhook URL or an id with its
// token and returns the canonical credential.
func ParseEndpoint(idOrURL, token string) (Endpoint, error) {
	s := strings.TrimSpace(idOrURL)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty id", ErrBadEndpoint)
	}
	if m := webhookURLRe.FindStringSubmatch(s); m != nil {
		return Endpoint{ID: m[1], Token: m[2]}, nil
	}
	if strings.Contains(s, "/") {
		return Endpoint{}, fmt.Errorf("%w: unrecognized url %q", ErrBadEndpoint, s)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Endpoint{}, fmt.Errorf("%w: missing token for id %s", ErrBadEndpoint, s)
	}
	return Endpoint{ID: s, Token: token}, nil
}

// URL derives the legacy single-URL representation.
func (e Endpoint) URL() string {
	return "https://discord.com/api/webhooks/" + e.ID + "/" + e.Token
}

func (e Endpoint) IsZero() bool { return e.ID == "" }

// Message is a rendered notification body.
type Message struct {
	Content string
	// ThreadID targets a thread owned by the webhook's channel. Empty sends
	// to the channel itself.
	ThreadID string
}

// Sender delivers a rendered message to a webhook endpoint.
//
// Implementations classify failures: transient errors (rate limits,
// timeouts, upstream 5xx) are returned as-is and may be retried by the
// caller; permanent ones (endpoint deleted, credentials rejected) are
// wrapped with Permanent and must not be retried.
type Sender interface {
	Send(ctx context.Context, ep Endpoint, msg Message) error
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
