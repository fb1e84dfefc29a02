package lease

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// MemoryStore is a single-process Store used for tests and local
// development. It mirrors the Redis script semantics exactly, including
// prune-before-count and compare-and-delete.
type MemoryStore struct {
	mu     sync.Mutex
	online map[string]map[string]model.DeviceRoute // tenant:user -> device -> route
	tlease map[string]map[string]int64             // tenant -> member -> expiry ms
	ulease map[string]map[string]int64             // tenant:user -> device -> expiry ms

	// now is swappable for tests.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		online: make(map[string]map[string]model.DeviceRoute),
		tlease: make(map[string]map[string]int64),
		ulease: make(map[string]map[string]int64),
		now:    time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func userKey(tenant, user string) string { return tenant + ":" + user }

func pruneExpired(set map[string]int64, now int64) {
	for m, exp := range set {
		if exp <= now {
			delete(set, m)
		}
	}
}

func (s *MemoryStore) Register(_ context.Context, req RegisterReq) (RegisterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uk := userKey(req.Tenant, req.User)
	now := s.now().UnixMilli()
	ttl := TTL(req.HeartbeatTimeout)
	expires := now + ttl.Milliseconds()

	tl := s.tlease[req.Tenant]
	if tl == nil {
		tl = make(map[string]int64)
		s.tlease[req.Tenant] = tl
	}
	ul := s.ulease[uk]
	if ul == nil {
		ul = make(map[string]int64)
		s.ulease[uk] = ul
	}
	pruneExpired(tl, now)
	pruneExpired(ul, now)

	devices := s.online[uk]
	if devices == nil {
		devices = make(map[string]model.DeviceRoute)
		s.online[uk] = devices
	}
	old, replacing := devices[req.Route.Device]

	if replacing {
		// replace never counts against the caps; drop the superseded lease
		// member so the device holds exactly one tenant slot
		delete(tl, leaseMember(req.User, req.Route.Device, old.ConnID))
	} else {
		if req.TenantMax > 0 && int64(len(tl)) >= req.TenantMax {
			return Denied, nil
		}
		if req.UserMax > 0 && int64(len(ul)) >= req.UserMax {
			return Denied, nil
		}
	}

	devices[req.Route.Device] = req.Route
	tl[leaseMember(req.User, req.Route.Device, req.Route.ConnID)] = expires
	ul[req.Route.Device] = expires

	if replacing {
		return AllowedReplace, nil
	}
	return AllowedNew, nil
}

func (s *MemoryStore) RenewLease(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uk := userKey(ref.Tenant, ref.User)
	if _, ok := s.online[uk][ref.Device]; !ok {
		return nil
	}
	expires := s.now().Add(TTL(ref.HeartbeatTimeout)).UnixMilli()
	if tl := s.tlease[ref.Tenant]; tl != nil {
		m := leaseMember(ref.User, ref.Device, ref.ConnID)
		if _, ok := tl[m]; ok {
			tl[m] = expires
		}
	}
	if ul := s.ulease[uk]; ul != nil {
		if _, ok := ul[ref.Device]; ok {
			ul[ref.Device] = expires
		}
	}
	return nil
}

func (s *MemoryStore) Unregister(_ context.Context, ref Ref) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uk := userKey(ref.Tenant, ref.User)
	cur, ok := s.online[uk][ref.Device]
	if !ok || cur.NodeID != ref.NodeID || cur.ConnID != ref.ConnID {
		return false, nil
	}
	delete(s.online[uk], ref.Device)
	delete(s.tlease[ref.Tenant], leaseMember(ref.User, ref.Device, ref.ConnID))
	delete(s.ulease[uk], ref.Device)
	return true, nil
}

func (s *MemoryStore) Routes(_ context.Context, tenant, user string) ([]model.DeviceRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := s.online[userKey(tenant, user)]
	routes := make([]model.DeviceRoute, 0, len(devices))
	for _, r := range devices {
		routes = append(routes, r)
	}
	return routes, nil
}

func (s *MemoryStore) ReapNode(_ context.Context, nodeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int64
	for uk, devices := range s.online {
		tenant, user, _ := strings.Cut(uk, ":")
		for device, route := range devices {
			if route.NodeID != nodeID {
				continue
			}
			delete(devices, device)
			delete(s.ulease[uk], device)
			delete(s.tlease[tenant], leaseMember(user, device, route.ConnID))
			reaped++
		}
	}
	return reaped, nil
}
