// Package netsync replicates trees of networked fields between the peers
// of a game session. One peer hosts: it hands out clock slots, sends full
// snapshots to joiners, relays deltas and owns the contested-resource
// queue. Everything runs on the caller's tick; Session is not safe for
// concurrent use.
package netsync

import (
	"fmt"
	"log/slog"

	"github.com/drpcorg/netsync/store"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
)

type Role byte

const (
	Host Role = iota
	Client
)

func (r Role) String() string {
	switch r {
	case Host:
		return "host"
	case Client:
		return "client"
	default:
		return fmt.Sprintf("role%d", byte(r))
	}
}

type Config struct {
	Role Role
	// Validate turns on the strict ownership checks of registered trees.
	Validate bool
	Log      utils.Logger
	// Accounting, when set, meters every envelope sent and received.
	Accounting transport.Accounting
	// Store, when set, backs Checkpoint and Restore.
	Store *store.Store
	// InterpolationTicks overrides clock.DefaultInterpolationTicks. It
	// reaches fields through Session.Options.
	InterpolationTicks int
}

func (c *Config) SetDefaults() {
	if c.Log == nil {
		c.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
}
