package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// fetchHorizon bounds the time-range filter of an event search.
const fetchHorizon = 20 * 365 * 24 * time.Hour

var errUnauthorized = errors.New("server rejected credentials")

// Config holds the connection settings of one remote account.
type Config struct {
	ServerURL string
	Login     string
	Secret    string
	AuthMode  domain.AuthMode
	Timeout   time.Duration
}

// ConfigFor builds the connection settings of a sync user.
func ConfigFor(u *domain.SyncUser, timeout time.Duration) Config {
	return Config{
		ServerURL: u.ServerURL(),
		Login:     u.Login(),
		Secret:    u.Secret(),
		AuthMode:  u.AuthMode(),
		Timeout:   timeout,
	}
}

// Calendar is a remote calendar collection.
type Calendar struct {
	URL  string
	Name string
}

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold uint32

	// Timeout is the period of the open state.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Timeout: time.Minute}
}

// Breakers hands out one circuit breaker per server host, shared by every
// client talking to that host.
type Breakers struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   *slog.Logger
}

// NewBreakers creates a breaker registry.
func NewBreakers(config BreakerConfig, logger *slog.Logger) *Breakers {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	return &Breakers{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:   logger,
	}
}

func (b *Breakers) get(host string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if breaker, ok := b.breakers[host]; ok {
		return breaker
	}
	settings := gobreaker.Settings{
		Name:    host,
		Timeout: b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.FailureThreshold
		},
		// Only transport failures count against the host.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	breaker := gobreaker.NewCircuitBreaker[any](settings)
	b.breakers[host] = breaker
	return breaker
}

// Client talks to one remote account.
type Client struct {
	config  Config
	dav     *caldav.Client
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a CalDAV client for config. breakers may be nil.
func NewClient(config Config, breakers *Breakers, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ServerURL == "" {
		return nil, domain.ErrEmptyServerURL
	}
	u, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dav, err := caldav.NewClient(NewHTTPClient(config), config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	if breakers == nil {
		breakers = NewBreakers(DefaultBreakerConfig(), logger)
	}
	return &Client{
		config:  config,
		dav:     dav,
		breaker: breakers.get(u.Host),
		logger:  logger.With("server", u.Host, "login", config.Login),
		now:     time.Now,
	}, nil
}

// NewHTTPClient returns the authenticated HTTP client for config: basic
// auth with login and password, or a bearer token.
func NewHTTPClient(config Config) webdav.HTTPClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := &statusTransport{base: http.DefaultTransport}

	if config.AuthMode == domain.AuthBearer {
		return &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Secret, TokenType: "Bearer"}),
				Base:   base,
			},
		}
	}
	httpClient := &http.Client{Timeout: timeout, Transport: base}
	return webdav.HTTPClientWithBasicAuth(httpClient, config.Login, config.Secret)
}

// statusTransport turns authentication rejections into errors so they can
// be told apart from other failures.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || (resp.StatusCode == http.StatusForbidden && req.Method == "PROPFIND") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", errUnauthorized, resp.Status)
	}
	return resp, nil
}

// TestConnection runs calendar discovery and reports failures as a
// ConnectionError with code 1000 (authentication) or 1001 (connection).
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.ListCalendars(ctx)
	return err
}

// ListCalendars discovers the calendars of the account principal.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var calendars []Calendar
	err := c.call(func() error {
		principal, err := c.dav.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return fmt.Errorf("failed to find principal: %w", err)
		}
		homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return fmt.Errorf("failed to find calendar home set: %w", err)
		}
		cals, err := c.dav.FindCalendars(ctx, homeSet)
		if err != nil {
			return fmt.Errorf("failed to find calendars: %w", err)
		}
		for _, cal := range cals {
			if !supportsEvents(cal.SupportedComponentSet) {
				continue
			}
			name := cal.Name
			if name == "" {
				name = path.Base(strings.TrimSuffix(cal.Path, "/"))
			}
			calendars = append(calendars, Calendar{URL: cal.Path, Name: name})
		}
		return nil
	})
	if err != nil {
		return nil, c.connectionError(err)
	}
	c.logger.Debug("calendars listed", "count", len(calendars))
	return calendars, nil
}

func supportsEvents(comps []string) bool {
	if len(comps) == 0 {
		return true
	}
	for _, name := range comps {
		if strings.EqualFold(name, ical.CompEvent) {
			return true
		}
	}
	return false
}

// FetchObjects returns the calendar objects of calendarURL with an
// instance starting on or after since. Objects that fail to decode are
// returned separately so the caller can skip them.
func (c *Client) FetchObjects(ctx context.Context, calendarURL string, since time.Time) ([]*RemoteObject, []error, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: since.UTC(),
					End:   c.now().UTC().Add(fetchHorizon),
				},
			},
		},
	}

	var found []caldav.CalendarObject
	err := c.call(func() error {
		var err error
		found, err = c.dav.QueryCalendar(ctx, calendarURL, query)
		if err != nil {
			return fmt.Errorf("failed to query calendar: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, c.connectionError(err)
	}

	objects := make([]*RemoteObject, 0, len(found))
	var decodeErrs []error
	for i := range found {
		obj, err := Decode(found[i].Path, found[i].Data)
		if err != nil {
			decodeErrs = append(decodeErrs, err)
			continue
		}
		obj.ETag = found[i].ETag
		obj.CalendarURL = calendarURL
		objects = append(objects, obj)
	}
	c.logger.Debug("remote objects fetched", "calendar", calendarURL, "count", len(objects), "skipped", len(decodeErrs))
	return objects, decodeErrs, nil
}

// Put writes obj, creating it under its calendar when it has no href yet.
// It fills in Href and ETag.
func (c *Client) Put(ctx context.Context, obj *RemoteObject) error {
	cal, err := Encode(obj, c.now())
	if err != nil {
		return err
	}
	if obj.Href == "" {
		if obj.CalendarURL == "" {
			return domain.ErrEmptyCalendarURL
		}
		obj.Href = ObjectPath(obj.CalendarURL, obj.UID)
	}
	return c.call(func() error {
		stored, err := c.dav.PutCalendarObject(ctx, obj.Href, cal)
		if err != nil {
			return fmt.Errorf("failed to put %s: %w", obj.Href, err)
		}
		if stored != nil {
			obj.ETag = stored.ETag
		}
		return nil
	})
}

// Delete removes the object at href.
func (c *Client) Delete(ctx context.Context, href string) error {
	return c.call(func() error {
		if err := c.dav.RemoveAll(ctx, href); err != nil {
			return fmt.Errorf("failed to delete %s: %w", href, err)
		}
		return nil
	})
}

// ObjectPath returns the resource path of a new object in calendarURL.
func ObjectPath(calendarURL, uid string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, uid)
	return strings.TrimSuffix(calendarURL, "/") + "/" + name + ".ics"
}

func (c *Client) call(fn func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (c *Client) connectionError(err error) error {
	code := domain.ConnCodeConnection
	if errors.Is(err, errUnauthorized) {
		code = domain.ConnCodeAuth
	}
	return &domain.ConnectionError{Code: code, Server: c.config.ServerURL, Err: err}
}

// IsConnectionFailure reports whether err means the server could not be
// used at all, as opposed to rejecting one request.
func IsConnectionFailure(err error) bool {
	return domain.IsConnectionError(err) || isTransportError(err)
}

func isTransportError(err error) bool {
	if errors.Is(err, errUnauthorized) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
