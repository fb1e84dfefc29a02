package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	"github.com/webitel/im-gateway-service/internal/lease"
)

const (
	nodeKeyPrefix   = "imgw:node:"
	directoryScan   = 256
	defaultNodeTTL  = 15 * time.Second
	heartbeatFactor = 3 // heartbeat period = TTL / factor
)

// Directory registers this node in Redis with a TTL heartbeat, lists live
// peers, and reaps leases left behind by nodes whose entries expired.
type Directory struct {
	client redis.UniversalClient
	self   model.NodeInfo
	ttl    time.Duration
	leases lease.Store
	logger *slog.Logger

	mu    sync.RWMutex
	seen  map[string]struct{} // node ids observed alive on the last sweep
	cache []model.NodeInfo
	fresh time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDirectory(client redis.UniversalClient, self model.NodeInfo, leases lease.Store, logger *slog.Logger) *Directory {
	return &Directory{
		client: client,
		self:   self,
		ttl:    defaultNodeTTL,
		leases: leases,
		logger: logger,
		seen:   map[string]struct{}{},
	}
}

// Self returns this node's identity.
func (d *Directory) Self() model.NodeInfo { return d.self }

// Start registers the node and launches the heartbeat and dead-node sweep.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.registerSelf(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(runCtx)
	return nil
}

// Stop halts the heartbeat and removes this node's directory entry so
// peers stop forwarding here immediately instead of waiting out the TTL.
func (d *Directory) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return d.client.Del(ctx, nodeKeyPrefix+d.self.ID).Err()
}

func (d *Directory) registerSelf(ctx context.Context) error {
	err := d.client.Set(ctx, nodeKeyPrefix+d.self.ID, d.self.Endpoint, d.ttl).Err()
	if err != nil {
		return fmt.Errorf("cluster: register node %s: %w", d.self.ID, err)
	}
	return nil
}

func (d *Directory) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.ttl / heartbeatFactor)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.registerSelf(ctx); err != nil {
				d.logger.Error("node heartbeat failed", slog.Any("err", err))
			}
			d.sweep(ctx)
		}
	}
}

// Live returns the current live node set. Results are cached briefly; the
// cache is a latency shield, never a source of truth, and is refreshed on
// every heartbeat tick anyway.
func (d *Directory) Live(ctx context.Context) ([]model.NodeInfo, error) {
	d.mu.RLock()
	if time.Since(d.fresh) < time.Second && d.cache != nil {
		nodes := d.cache
		d.mu.RUnlock()
		return nodes, nil
	}
	d.mu.RUnlock()
	return d.scan(ctx)
}

func (d *Directory) scan(ctx context.Context) ([]model.NodeInfo, error) {
	var (
		nodes  []model.NodeInfo
		cursor uint64
	)
	for {
		keys, next, err := d.client.Scan(ctx, cursor, nodeKeyPrefix+"*", directoryScan).Result()
		if err != nil {
			return nil, fmt.Errorf("cluster: scan nodes: %w", err)
		}
		for _, key := range keys {
			endpoint, err := d.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("cluster: read node %s: %w", key, err)
			}
			nodes = append(nodes, model.NodeInfo{ID: key[len(nodeKeyPrefix):], Endpoint: endpoint})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	d.mu.Lock()
	d.cache = nodes
	d.fresh = time.Now()
	d.mu.Unlock()
	return nodes, nil
}

// sweep reaps leases of nodes that were alive on a previous tick but have
// dropped out of the directory since.
func (d *Directory) sweep(ctx context.Context) {
	nodes, err := d.scan(ctx)
	if err != nil {
		d.logger.Error("dead-node sweep scan failed", slog.Any("err", err))
		return
	}

	alive := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		alive[n.ID] = struct{}{}
	}

	d.mu.Lock()
	var dead []string
	for id := range d.seen {
		if _, ok := alive[id]; !ok {
			dead = append(dead, id)
		}
	}
	d.seen = alive
	d.mu.Unlock()

	for _, id := range dead {
		reaped, err := d.leases.ReapNode(ctx, id)
		if err != nil {
			d.logger.Error("dead-node lease reap failed",
				slog.String("node", id), slog.Any("err", err))
			continue
		}
		d.logger.Info("reaped leases of dead node",
			slog.String("node", id), slog.Int64("leases", reaped))
	}
}
