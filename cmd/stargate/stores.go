package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/stargate/pkg/charge"
	"github.com/Mindburn-Labs/stargate/pkg/config"
	"github.com/Mindburn-Labs/stargate/pkg/ledger"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// openDatabase connects to Postgres, or to SQLite in lite mode.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Lite() {
		if err := os.MkdirAll(filepath.Dir(cfg.LiteDBPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Printf("[stargate] lite mode: using sqlite at %s", cfg.LiteDBPath)
		db, err := sql.Open("sqlite", cfg.LiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite allows one writer; serialize through a single connection.
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[stargate] postgres: connected")
	return db, nil
}

// openRedis returns nil when Redis is not configured.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Printf("[stargate] redis: connected to %s", cfg.RedisAddr)
	return client, nil
}

// stores holds the durable backends shared by the server and the account
// commands.
type stores struct {
	db      *sql.DB
	redis   *redis.Client
	ledger  ledger.Store
	pending charge.PendingStore
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &stores{db: db}

	pending := charge.NewSQLPendingStore(db)
	if err := pending.Init(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to init pending store: %w", err)
	}
	s.pending = pending

	if s.redis, err = openRedis(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.LedgerStore == "redis" {
		s.ledger = ledger.NewRedisStore(s.redis, "stargate:ledger")
		log.Println("[stargate] ledger: redis")
		return s, nil
	}
	sqlStore := ledger.NewSQLStore(db)
	if err := sqlStore.Init(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to init ledger: %w", err)
	}
	s.ledger = sqlStore
	log.Println("[stargate] ledger: sql")
	return s, nil
}

func (s *stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
