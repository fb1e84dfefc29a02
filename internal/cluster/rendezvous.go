// Package cluster tracks live gateway nodes and moves traffic between them:
// rendezvous-hash ownership of offline mailboxes, a Redis-backed node
// directory with TTL heartbeats, and a gRPC peer transport guarded by
// per-node circuit breakers.
package cluster

import (
	"github.com/cespare/xxhash/v2"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// PickOwner selects the home node for key from the live node set using
// rendezvous (highest random weight) hashing. The result is deterministic,
// independent of node ordering, and nil iff nodes is empty. Removing one
// node only migrates the keys that node owned.
func PickOwner(nodes []model.NodeInfo, key string) *model.NodeInfo {
	if len(nodes) == 0 {
		return nil
	}

	var (
		best      *model.NodeInfo
		bestScore uint64
	)
	for i := range nodes {
		score := weight(nodes[i].ID, key)
		// Tie-break on node id so equal scores stay deterministic.
		if best == nil || score > bestScore || (score == bestScore && nodes[i].ID < best.ID) {
			best = &nodes[i]
			bestScore = score
		}
	}
	return best
}

// OwnerKey is the rendezvous key for a user's offline mailbox.
func OwnerKey(tenant, user string) string { return tenant + "/" + user }

func weight(nodeID, key string) uint64 {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.WriteString(nodeID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(key)
	return d.Sum64()
}
