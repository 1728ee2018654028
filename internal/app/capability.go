package app

import (
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
)

// StaticCapabilities grants screen share to everyone and HD capture to premium users.
type StaticCapabilities struct {
	premium map[domain.UserID]struct{}
}

func NewStaticCapabilities(premium []string) *StaticCapabilities {
	c := &StaticCapabilities{premium: make(map[domain.UserID]struct{}, len(premium))}
	for _, id := range premium {
		c.premium[domain.UserID(id)] = struct{}{}
	}
	return c
}

func (c *StaticCapabilities) Has(user domain.User, capability core.Capability) bool {
	switch capability {
	case core.CapScreenShare:
		return true
	case core.CapScreenShareHD:
		_, ok := c.premium[user.ID]
		return ok
	}
	return false
}
