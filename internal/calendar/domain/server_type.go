package domain

import (
	"net/url"
	"strings"
)

// ServerType identifies the flavour of CalDAV server a user connects to.
type ServerType string

const (
	// ServerNextcloud is Nextcloud or ownCloud (DAV root under /remote.php/dav).
	ServerNextcloud ServerType = "nextcloud"
	// ServerApple is iCloud (app-specific password).
	ServerApple ServerType = "apple"
	// ServerFastmail is Fastmail.
	ServerFastmail ServerType = "fastmail"
	// ServerGeneric is any other CalDAV server; the URL is used as given.
	ServerGeneric ServerType = "caldav"
)

// Well known CalDAV endpoints.
const (
	AppleCalDAVURL    = "https://caldav.icloud.com"
	FastmailCalDAVURL = "https://caldav.fastmail.com"
	NextcloudDAVPath  = "/remote.php/dav"
)

// String returns the string representation of the server type.
func (t ServerType) String() string {
	return string(t)
}

// IsValid returns true if the server type is recognized.
func (t ServerType) IsValid() bool {
	switch t {
	case ServerNextcloud, ServerApple, ServerFastmail, ServerGeneric:
		return true
	default:
		return false
	}
}

// DisplayName returns a human-readable name for the server type.
func (t ServerType) DisplayName() string {
	switch t {
	case ServerNextcloud:
		return "Nextcloud"
	case ServerApple:
		return "Apple Calendar"
	case ServerFastmail:
		return "Fastmail"
	case ServerGeneric:
		return "CalDAV"
	default:
		return string(t)
	}
}

// DefaultURL returns the well known endpoint of hosted servers.
func (t ServerType) DefaultURL() string {
	switch t {
	case ServerApple:
		return AppleCalDAVURL
	case ServerFastmail:
		return FastmailCalDAVURL
	default:
		return ""
	}
}

// ParseServerType maps a configured name to a ServerType, defaulting to
// Nextcloud.
func ParseServerType(s string) ServerType {
	t := ServerType(strings.ToLower(strings.TrimSpace(s)))
	if t == "" || !t.IsValid() {
		return ServerNextcloud
	}
	return t
}

// NormalizeServerURL strips the trailing slash and, for Nextcloud servers
// given without a path, appends the DAV root.
func NormalizeServerURL(raw string, t ServerType) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = t.DefaultURL()
	}
	if raw == "" {
		return "", ErrEmptyServerURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", ErrEmptyServerURL
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" && t == ServerNextcloud {
		u.Path = NextcloudDAVPath
	}
	return u.String(), nil
}
