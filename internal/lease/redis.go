package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// Key layout. The node-routes set exists for the dead-node sweep: when a
// peer's directory entry expires, its set names every lease to reap.
func onlineKey(tenant, user string) string {
	return fmt.Sprintf("imgw:online:%s:%s", tenant, user)
}

func tenantLeaseKey(tenant string) string {
	return fmt.Sprintf("imgw:lease:tenant:%s", tenant)
}

func userLeaseKey(tenant, user string) string {
	return fmt.Sprintf("imgw:lease:user:%s:%s", tenant, user)
}

func nodeRoutesKey(nodeID string) string {
	return fmt.Sprintf("imgw:noderoutes:%s", nodeID)
}

func leaseMember(user, device, connID string) string {
	return user + "/" + device + "/" + connID
}

func routeMember(tenant, user, device string) string {
	return tenant + "|" + user + "|" + device
}

// registerScript enforces both invariants in one atomic step:
// prune-then-count caps on two lease zsets, and replace-without-counting
// for a reconnecting device. Returns 0=denied, 1=new, 2=replace.
var registerScript = redis.NewScript(`
local online   = KEYS[1]
local tlease   = KEYS[2]
local ulease   = KEYS[3]
local nroutes  = KEYS[4]

local device   = ARGV[1]
local route    = ARGV[2]
local now      = tonumber(ARGV[3])
local expires  = tonumber(ARGV[4])
local tmax     = tonumber(ARGV[5])
local umax     = tonumber(ARGV[6])
local tmember  = ARGV[7]
local rmember  = ARGV[8]
local ttlms    = tonumber(ARGV[9])
local tprefix  = ARGV[10]

redis.call('ZREMRANGEBYSCORE', tlease, '-inf', now)
redis.call('ZREMRANGEBYSCORE', ulease, '-inf', now)

local existing = redis.call('HGET', online, device)
if existing then
  -- replace never counts against the caps; drop the superseded lease
  -- member so the device holds exactly one tenant slot
  local old = cjson.decode(existing)
  redis.call('ZREM', tlease, tprefix .. old['conn_id'])
else
  if tmax > 0 and redis.call('ZCARD', tlease) >= tmax then
    return 0
  end
  if umax > 0 and redis.call('ZCARD', ulease) >= umax then
    return 0
  end
end

redis.call('HSET', online, device, route)
redis.call('ZADD', tlease, expires, tmember)
redis.call('ZADD', ulease, expires, device)
redis.call('SADD', nroutes, rmember)
redis.call('PEXPIRE', online, ttlms)
redis.call('PEXPIRE', ulease, ttlms)

if existing then
  return 2
end
return 1
`)

// renewScript extends both lease expiries without touching the caps.
var renewScript = redis.NewScript(`
local online  = KEYS[1]
local tlease  = KEYS[2]
local ulease  = KEYS[3]

local device  = ARGV[1]
local expires = tonumber(ARGV[2])
local tmember = ARGV[3]
local ttlms   = tonumber(ARGV[4])

if redis.call('HEXISTS', online, device) == 0 then
  return 0
end
redis.call('ZADD', tlease, 'XX', expires, tmember)
redis.call('ZADD', ulease, 'XX', expires, device)
redis.call('PEXPIRE', online, ttlms)
redis.call('PEXPIRE', ulease, ttlms)
return 1
`)

// unregisterScript is a compare-and-delete: the lease is removed only when
// the stored route still carries the caller's node and connection ids, so a
// slow disconnect never tears down a newer registration from another node.
var unregisterScript = redis.NewScript(`
local online  = KEYS[1]
local tlease  = KEYS[2]
local ulease  = KEYS[3]
local nroutes = KEYS[4]

local device  = ARGV[1]
local nodeID  = ARGV[2]
local connID  = ARGV[3]
local tmember = ARGV[4]
local rmember = ARGV[5]

local cur = redis.call('HGET', online, device)
if not cur then
  return 0
end
local route = cjson.decode(cur)
if route['node_id'] ~= nodeID or route['conn_id'] ~= connID then
  return 0
end

redis.call('HDEL', online, device)
redis.call('ZREM', tlease, tmember)
redis.call('ZREM', ulease, device)
redis.call('SREM', nroutes, rmember)
return 1
`)

// reapScript walks a dead node's route set and deletes every lease that
// still points at that node. Key names are derived inside the script, so
// this requires a non-cluster deployment or hash-tagged keys.
var reapScript = redis.NewScript(`
local nroutes = KEYS[1]
local nodeID  = ARGV[1]
local reaped  = 0

local members = redis.call('SMEMBERS', nroutes)
for _, m in ipairs(members) do
  local tenant, user, device = string.match(m, '([^|]+)|([^|]+)|([^|]+)')
  if tenant then
    local online = 'imgw:online:' .. tenant .. ':' .. user
    local cur = redis.call('HGET', online, device)
    if cur then
      local route = cjson.decode(cur)
      if route['node_id'] == nodeID then
        redis.call('HDEL', online, device)
        redis.call('ZREM', 'imgw:lease:tenant:' .. tenant, user .. '/' .. device .. '/' .. route['conn_id'])
        redis.call('ZREM', 'imgw:lease:user:' .. tenant .. ':' .. user, device)
        reaped = reaped + 1
      end
    end
  end
end
redis.call('DEL', nroutes)
return reaped
`)

// RedisStore implements Store over a Redis-compatible server using Lua
// scripts, so each operation is a single atomic multi-key step.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Register(ctx context.Context, req RegisterReq) (RegisterResult, error) {
	raw, err := json.Marshal(req.Route)
	if err != nil {
		return Denied, fmt.Errorf("lease: marshal route: %w", err)
	}

	ttl := TTL(req.HeartbeatTimeout)
	now := time.Now().UnixMilli()
	keys := []string{
		onlineKey(req.Tenant, req.User),
		tenantLeaseKey(req.Tenant),
		userLeaseKey(req.Tenant, req.User),
		nodeRoutesKey(req.Route.NodeID),
	}
	res, err := registerScript.Run(ctx, s.client, keys,
		req.Route.Device,
		string(raw),
		now,
		now+ttl.Milliseconds(),
		req.TenantMax,
		req.UserMax,
		leaseMember(req.User, req.Route.Device, req.Route.ConnID),
		routeMember(req.Tenant, req.User, req.Route.Device),
		ttl.Milliseconds(),
		req.User+"/"+req.Route.Device+"/",
	).Int64()
	if err != nil {
		return Denied, fmt.Errorf("lease: register script: %w", err)
	}
	return RegisterResult(res), nil
}

func (s *RedisStore) RenewLease(ctx context.Context, ref Ref) error {
	ttl := TTL(ref.HeartbeatTimeout)
	keys := []string{
		onlineKey(ref.Tenant, ref.User),
		tenantLeaseKey(ref.Tenant),
		userLeaseKey(ref.Tenant, ref.User),
	}
	err := renewScript.Run(ctx, s.client, keys,
		ref.Device,
		time.Now().Add(ttl).UnixMilli(),
		leaseMember(ref.User, ref.Device, ref.ConnID),
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("lease: renew script: %w", err)
	}
	return nil
}

func (s *RedisStore) Unregister(ctx context.Context, ref Ref) (bool, error) {
	keys := []string{
		onlineKey(ref.Tenant, ref.User),
		tenantLeaseKey(ref.Tenant),
		userLeaseKey(ref.Tenant, ref.User),
		nodeRoutesKey(ref.NodeID),
	}
	res, err := unregisterScript.Run(ctx, s.client, keys,
		ref.Device,
		ref.NodeID,
		ref.ConnID,
		leaseMember(ref.User, ref.Device, ref.ConnID),
		routeMember(ref.Tenant, ref.User, ref.Device),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: unregister script: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Routes(ctx context.Context, tenant, user string) ([]model.DeviceRoute, error) {
	raw, err := s.client.HGetAll(ctx, onlineKey(tenant, user)).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: read routes: %w", err)
	}
	routes := make([]model.DeviceRoute, 0, len(raw))
	for _, v := range raw {
		var r model.DeviceRoute
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue // skip unparsable entries, do not fail the lookup
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (s *RedisStore) ReapNode(ctx context.Context, nodeID string) (int64, error) {
	res, err := reapScript.Run(ctx, s.client, []string{nodeRoutesKey(nodeID)}, nodeID).Int64()
	if err != nil {
		return 0, fmt.Errorf("lease: reap node %s: %w", nodeID, err)
	}
	return res, nil
}
