// Package app wires the storage, cache, and engine components a command
// needs into one bundle.
package app

import (
	"fmt"
	"time"

	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/engine"
	"grantline/internal/migrate"
	"grantline/internal/objstore"
	"grantline/internal/tokens"
)

// Components holds everything a running command needs. Close releases the
// database handle.
type Components struct {
	Engine engine.Engine
	Config *config.Config
	Tokens tokens.Issuer
	OTP    tokens.OTPService
	Store  objstore.Store
}

func (c *Components) Close() error {
	if c.Engine.DB != nil {
		return c.Engine.DB.Close()
	}
	return nil
}

// Open prepares a workspace: database opened and migrated, config loaded
// (defaults when grantline.yml is absent), engine constructed. The token
// cache is Redis when withCache is set; commands that never touch tokens
// skip the connection.
func Open(workspace string, withCache bool) (*Components, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c := &Components{
		Engine: engine.New(conn, cfg),
		Config: cfg,
		Store:  objstore.FSStore{Root: cfg.ObjectStore.Root},
	}
	if withCache {
		cache := tokens.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password)
		c.Tokens = tokens.Issuer{
			Cache:     cache,
			TTL:       time.Duration(cfg.Tokens.TTLSeconds) * time.Second,
			SingleUse: cfg.Tokens.SingleUse,
		}
		c.OTP = tokens.OTPService{
			Cache: cache,
			TTL:   time.Duration(cfg.Auth.OTPTimeoutSeconds) * time.Second,
		}
	}
	return c, nil
}
