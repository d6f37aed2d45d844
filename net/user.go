package net

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned when adding users.
var (
	ErrUserTableFull = errors.New("user table is full")
	ErrUserExists    = errors.New("user already registered")
)

// User is a known peer. Direct users are reached through their default
// connector and connection; proxy users only through the ProxyServer that
// owns them. The route is replaced as a whole when the peer logs in again,
// so readers always see a connector and connection that belong together.
type User struct {
	// ID is the dense local id, reused after the user leaves.
	ID int
	// GlobalID is the peer's process identity.
	GlobalID GlobalID

	route    atomic.Pointer[userRoute]
	ping     atomic.Int64
	hasPing  atomic.Bool
	lastSeen atomic.Int64
}

type userRoute struct {
	route Route
	proxy bool
}

var _noRoute = &userRoute{route: Route{ConnectorID: -1}}

func (u *User) loadRoute() *userRoute {
	if r := u.route.Load(); r != nil {
		return r
	}
	return _noRoute
}

func (u *User) setRoute(r Route, proxy bool) {
	u.route.Store(&userRoute{route: r, proxy: proxy})
}

// IsProxy reports whether u is only reachable through a proxy server.
func (u *User) IsProxy() bool { return u.loadRoute().proxy }

// DefaultConnector is the id of the connector u is reached on, -1 if none.
func (u *User) DefaultConnector() int { return u.loadRoute().route.ConnectorID }

// DefaultConnection is the connection u is reached on.
func (u *User) DefaultConnection() Connection { return u.loadRoute().route.Connection }

// Ping is the last measured round trip, and whether one was measured yet.
func (u *User) Ping() (time.Duration, bool) {
	return time.Duration(u.ping.Load()), u.hasPing.Load()
}

func (u *User) setPing(d time.Duration) {
	if d < 0 {
		d = 0
	}
	u.ping.Store(int64(d))
	u.hasPing.Store(true)
}

func (u *User) touch(t time.Time) { u.lastSeen.Store(t.UnixNano()) }

// LastSeen is when traffic from u was last handled, zero if never.
func (u *User) LastSeen() time.Time {
	n := u.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Route returns a copy of the user's default route.
func (u *User) Route() *Route {
	r := u.loadRoute().route
	return &r
}

// String formats u for logs.
func (u *User) String() string {
	return fmt.Sprintf("user(%d,%s)", u.ID, u.GlobalID)
}

// UserCollection is the user directory. Ids are dense: a new user gets the
// lowest id not in use.
type UserCollection struct {
	mu       sync.RWMutex
	max      int
	byID     map[int]*User
	byGlobal map[GlobalID]*User
}

// NewUserCollection returns an empty directory holding at most max users.
// max <= 0 means unbounded.
func NewUserCollection(max int) *UserCollection {
	return &UserCollection{
		max:      max,
		byID:     make(map[int]*User),
		byGlobal: make(map[GlobalID]*User),
	}
}

// AddNewUser registers gid under the lowest free id.
func (uc *UserCollection) AddNewUser(gid GlobalID) (*User, error) {
	return uc.add(gid, nil, false)
}

// add registers gid with route as its defaults; the user is complete before
// other goroutines can see it.
func (uc *UserCollection) add(gid GlobalID, route *Route, proxy bool) (*User, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if _, ok := uc.byGlobal[gid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, gid)
	}
	if uc.max > 0 && len(uc.byID) >= uc.max {
		return nil, fmt.Errorf("%w: max %d", ErrUserTableFull, uc.max)
	}
	id := 0
	for {
		if _, used := uc.byID[id]; !used {
			break
		}
		id++
	}
	u := &User{ID: id, GlobalID: gid}
	if route != nil {
		u.setRoute(*route, proxy)
	} else {
		u.setRoute(Route{ConnectorID: -1}, proxy)
	}
	uc.byID[id] = u
	uc.byGlobal[gid] = u
	return u, nil
}

// Remove drops u if it is still the registered user for its id.
func (uc *UserCollection) Remove(u *User) bool {
	if u == nil {
		return false
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if cur, ok := uc.byID[u.ID]; !ok || cur != u {
		return false
	}
	delete(uc.byID, u.ID)
	delete(uc.byGlobal, u.GlobalID)
	return true
}

// Get returns the user with id, or nil.
func (uc *UserCollection) Get(id int) *User {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.byID[id]
}

// GetByGlobalID returns the user for gid, or nil.
func (uc *UserCollection) GetByGlobalID(gid GlobalID) *User {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.byGlobal[gid]
}

// Count returns the number of users, proxy users included.
func (uc *UserCollection) Count() int {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.byID)
}

// Max is the capacity, 0 when unbounded.
func (uc *UserCollection) Max() int {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.max
}

// SetMax changes the capacity. Users above a lowered max are kept.
func (uc *UserCollection) SetMax(max int) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.max = max
}

// IsFull reports whether a bounded directory has no room left.
func (uc *UserCollection) IsFull() bool {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.max > 0 && len(uc.byID) >= uc.max
}

// All returns the users ordered by id.
func (uc *UserCollection) All() []*User {
	uc.mu.RLock()
	out := make([]*User, 0, len(uc.byID))
	for _, u := range uc.byID {
		out = append(out, u)
	}
	uc.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
