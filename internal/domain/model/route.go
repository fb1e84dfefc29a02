package model

// NodeInfo identifies a cluster peer for rendezvous hashing and gRPC targeting.
type NodeInfo struct {
	ID       string
	Endpoint string
}

// DeviceRoute is the cross-node-visible lease fact: device Device of some
// user is reachable at NodeID/Endpoint since OnlineAt, over connection ConnID.
// At most one route exists per (tenant,user,device); a reconnect replaces it.
type DeviceRoute struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
	ConnID   string `json:"conn_id"`
	Device   string `json:"device"`
	OnlineAt int64  `json:"online_at"`
}
