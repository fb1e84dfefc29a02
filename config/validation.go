package config

import (
	"errors"
	"fmt"
)

func (c *Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return errors.New("redis.addrs must not be empty")
	}
	if c.AMQP.URI == "" {
		return errors.New("amqp.uri must be set")
	}
	if c.Cluster.BindAddr == "" {
		return errors.New("cluster.bindAddr must be set")
	}
	if c.WS.JWTSecret == "" {
		return errors.New("ws.jwtSecret must be set to a strong secret")
	}
	if c.WS.MaxFrameBytes < 1024 {
		return errors.New("ws.maxFrameBytes must be at least 1024")
	}
	if c.Defaults.HeartbeatTimeout <= 0 {
		return errors.New("defaults.heartbeatTimeout must be positive")
	}
	if c.Defaults.MaxUserConnections < 1 {
		return errors.New("defaults.maxUserConnections must be at least 1")
	}
	if c.Defaults.MessageRate <= 0 || c.Defaults.MessageBurst < 1 {
		return errors.New("defaults.messageRate and defaults.messageBurst must be positive")
	}
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if t.ID == "" {
			return errors.New("tenants[].id must not be empty")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant entry %q", t.ID)
		}
		seen[t.ID] = true
		if t.HookBaseURL == "" {
			return fmt.Errorf("tenant %q: hookBaseURL must be set", t.ID)
		}
		if t.Secret == "" {
			return fmt.Errorf("tenant %q: secret must be set", t.ID)
		}
	}
	return nil
}
