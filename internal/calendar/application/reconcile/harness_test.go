package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/identity"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/persistence"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// memServer is an in-memory CalDAV account. Objects are kept in their wire
// form so every write and read goes through the iCalendar codec.
type memServer struct {
	mu        sync.Mutex
	calendars []caldav.Calendar
	objects   map[string]memObject // by href
	now       func() time.Time
	etag      int
	puts      int
	deletes   int

	// reject, when set, refuses the writes it returns an error for.
	reject func(obj *caldav.RemoteObject) error
}

type memObject struct {
	calendarURL string
	etag        string
	data        []byte
}

func newMemServer(login string) *memServer {
	return &memServer{
		calendars: []caldav.Calendar{{URL: "/dav/calendars/" + login + "/personal/", Name: "Personal"}},
		objects:   make(map[string]memObject),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *memServer) personal() string { return s.calendars[0].URL }

func (s *memServer) ListCalendars(_ context.Context) ([]caldav.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]caldav.Calendar(nil), s.calendars...), nil
}

func (s *memServer) FetchObjects(_ context.Context, calendarURL string, _ time.Time) ([]*caldav.RemoteObject, []error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hrefs := make([]string, 0, len(s.objects))
	for href, o := range s.objects {
		if o.calendarURL == calendarURL {
			hrefs = append(hrefs, href)
		}
	}
	sort.Strings(hrefs)

	var out []*caldav.RemoteObject
	var decodeErrs []error
	for _, href := range hrefs {
		obj, err := s.decode(href)
		if err != nil {
			decodeErrs = append(decodeErrs, err)
			continue
		}
		out = append(out, obj)
	}
	return out, decodeErrs, nil
}

func (s *memServer) decode(href string) (*caldav.RemoteObject, error) {
	stored := s.objects[href]
	cal, err := caldav.Unmarshal(stored.data)
	if err != nil {
		return nil, &domain.DecodeError{Href: href, Err: err}
	}
	obj, err := caldav.Decode(href, cal)
	if err != nil {
		return nil, err
	}
	obj.ETag = stored.etag
	obj.CalendarURL = stored.calendarURL
	return obj, nil
}

func (s *memServer) Put(_ context.Context, obj *caldav.RemoteObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != nil {
		if err := s.reject(obj); err != nil {
			return err
		}
	}
	return s.write(obj, s.now())
}

func (s *memServer) write(obj *caldav.RemoteObject, at time.Time) error {
	cal, err := caldav.Encode(obj, at)
	if err != nil {
		return err
	}
	data, err := caldav.Marshal(cal)
	if err != nil {
		return err
	}
	if obj.Href == "" {
		obj.Href = caldav.ObjectPath(obj.CalendarURL, obj.UID)
	}
	s.etag++
	obj.ETag = fmt.Sprintf(`"%d"`, s.etag)
	s.objects[obj.Href] = memObject{calendarURL: obj.CalendarURL, etag: obj.ETag, data: data}
	s.puts++
	return nil
}

func (s *memServer) Delete(_ context.Context, href string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[href]; !ok {
		return errors.New("404 not found")
	}
	delete(s.objects, href)
	s.deletes++
	return nil
}

// seed stores obj as another client would, stamped at.
func (s *memServer) seed(t *testing.T, obj *caldav.RemoteObject, at time.Time) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj.CalendarURL == "" {
		obj.CalendarURL = s.personal()
	}
	require.NoError(t, s.write(obj, at))
	s.puts--
}

// inject stores raw iCalendar data under href, bypassing the codec.
func (s *memServer) inject(href, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag++
	s.objects[href] = memObject{calendarURL: s.personal(), etag: fmt.Sprintf(`"%d"`, s.etag), data: []byte(data)}
}

func (s *memServer) rejectWrites(fn func(obj *caldav.RemoteObject) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = fn
}

// edit rewrites the object uid as another client would, stamped at.
func (s *memServer) edit(t *testing.T, uid string, at time.Time, fn func(obj *caldav.RemoteObject)) {
	t.Helper()
	obj := s.object(t, uid)
	require.NotNil(t, obj, "remote object %s", uid)
	fn(obj)
	s.seed(t, obj, at)
}

// drop removes the object uid as another client would.
func (s *memServer) drop(t *testing.T, uid string) {
	t.Helper()
	obj := s.object(t, uid)
	require.NotNil(t, obj)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, obj.Href)
}

func (s *memServer) object(t *testing.T, uid string) *caldav.RemoteObject {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for href := range s.objects {
		obj, err := s.decode(href)
		require.NoError(t, err)
		if obj.UID == uid {
			return obj
		}
	}
	return nil
}

func (s *memServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *memServer) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts + s.deletes
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	conn     database.Connection
	repos    Repositories
	users    *persistence.LocalUserRepository
	manager  *recurrence.Manager
	locker   *lock.LocalLocker
	servers  map[string]*memServer
	outbox   *outbox.SQLRepository
	orch     *Orchestrator
	bindings map[uuid.UUID]*domain.SyncUser
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{SQLitePath: sqlite.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrations.Up(ctx, conn.(*sqlite.Connection).DB(), database.DriverSQLite))

	enc, err := crypto.NewAESGCM([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	h := &harness{
		t:    t,
		ctx:  ctx,
		conn: conn,
		repos: Repositories{
			Events:    persistence.NewEventRepository(conn),
			Series:    persistence.NewSeriesRepository(conn),
			SyncUsers: persistence.NewSyncUserRepository(conn, enc),
			Calendars: persistence.NewCalendarMappingRepository(conn),
			States:    persistence.NewSyncStateRepository(conn),
			Logs:      persistence.NewSyncLogRepository(conn),
		},
		users:    persistence.NewLocalUserRepository(conn),
		manager:  recurrence.NewManager(recurrence.DefaultLimits(), nil),
		locker:   lock.NewLocalLocker(),
		servers:  make(map[string]*memServer),
		outbox:   outbox.NewSQLRepository(conn),
		bindings: make(map[uuid.UUID]*domain.SyncUser),
	}

	remotes := func(binding *domain.SyncUser) (RemoteStore, error) {
		s, ok := h.servers[binding.Login()]
		if !ok {
			return nil, &domain.ConnectionError{Code: domain.ConnCodeConnection, Server: binding.ServerURL(), Err: errors.New("no such account")}
		}
		return s, nil
	}
	h.orch = NewOrchestrator(Deps{
		Repos:    h.repos,
		UoW:      database.NewUnitOfWork(conn),
		Remotes:  remotes,
		Resolver: identity.NewResolver(h.users, persistence.NewContactRepository(conn), nil),
		Manager:  h.manager,
		Locker:   h.locker,
		Outbox:   h.outbox,
	}, config)
	return h
}

// addUser creates a local user bound to a fresh in-memory account.
func (h *harness) addUser(login string) (*domain.LocalUser, *memServer) {
	h.t.Helper()
	u, err := domain.NewLocalUser(login, strings.ToUpper(login[:1])+login[1:], login+"@example.com")
	require.NoError(h.t, err)
	require.NoError(h.t, h.users.Save(h.ctx, u))

	binding, err := domain.NewSyncUser(u.ID(), domain.ServerGeneric, "https://dav.example.com/", login, "secret")
	require.NoError(h.t, err)
	require.NoError(h.t, h.repos.SyncUsers.Save(h.ctx, binding))
	h.bindings[u.ID()] = binding

	s := newMemServer(login)
	h.servers[login] = s
	return u, s
}

func (h *harness) sync(userID uuid.UUID) *UserSummary {
	h.t.Helper()
	s, err := h.orch.RunUser(h.ctx, userID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) saveEvent(e *domain.Event) {
	h.t.Helper()
	require.NoError(h.t, h.repos.Events.Save(h.ctx, e))
}

func (h *harness) event(uid, rid string) *domain.Event {
	h.t.Helper()
	e, err := h.repos.Events.FindByRemoteUID(h.ctx, uid, rid)
	require.NoError(h.t, err)
	return e
}

func (h *harness) arena(uid string) *recurrence.Arena {
	h.t.Helper()
	series, err := h.repos.Series.FindByRemoteUID(h.ctx, uid)
	require.NoError(h.t, err)
	if series == nil {
		return nil
	}
	occurrences, err := h.repos.Events.FindBySeries(h.ctx, series.ID())
	require.NoError(h.t, err)
	return recurrence.NewArena(series, occurrences)
}

func meeting(title string, start time.Time) domain.Content {
	return domain.Content{
		Title:    title,
		Location: "Room 1",
		Start:    start,
		End:      start.Add(time.Hour),
		TimeZone: "UTC",
	}
}

func remoteEvent(uid string, c domain.Content) *caldav.RemoteObject {
	return &caldav.RemoteObject{UID: uid, Master: &caldav.RemoteEvent{UID: uid, Content: c}}
}

func remoteSeries(uid string, c domain.Content, rule string) *caldav.RemoteObject {
	return &caldav.RemoteObject{UID: uid, Master: &caldav.RemoteEvent{UID: uid, Content: c, Rule: rule}}
}

func hasLine(lines []domain.SyncLogLine, op domain.LogOperation, uid string) bool {
	for _, l := range lines {
		if l.Operation == op && l.EventUID == uid {
			return true
		}
	}
	return false
}
