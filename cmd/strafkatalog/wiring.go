package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/adapter"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/config"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

// closers runs cleanup functions in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func setupTracing(cfg config.TracingConfig, cl *closers) error {
	if !cfg.Enabled {
		return nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	cl.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	})
	return nil
}

func buildBus(cfg config.BusConfig, cl *closers) (syncbus.Bus, error) {
	var bus syncbus.Bus
	switch cfg.Backend {
	case "memory":
		bus = syncbus.NewInMemoryBus()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rb := syncbus.NewRedisBus(client)
		cl.add(func() {
			_ = rb.Close()
			_ = client.Close()
		})
		bus = rb
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		nb := syncbus.NewNATSBus(conn)
		cl.add(nb.Close)
		bus = nb
	case "kafka":
		kcfg := sarama.NewConfig()
		kcfg.ClientID = "strafkatalog"
		kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, kcfg)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		cl.add(kb.Close)
		bus = kb
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
	if cfg.CircuitBreaker {
		bus = syncbus.NewCircuitBreaker(bus, 5, 30*time.Second)
	}
	return bus, nil
}

// buildStores returns the raw lock and catalog stores for cfg.
func buildStores(cfg config.StoreConfig, cl *closers) (lock.Store, catalog.Store, error) {
	timeout := adapter.WithTimeout(cfg.Timeout)
	switch cfg.Backend {
	case "memory":
		return lock.NewInMemoryStore(), catalog.NewInMemoryStore(), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.SQLiteDSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			cl.add(func() { _ = sqlDB.Close() })
		}
		locks, err := adapter.NewGormLockStore(db, timeout)
		if err != nil {
			return nil, nil, err
		}
		store, err := adapter.NewGormCatalogStore(db, timeout)
		if err != nil {
			return nil, nil, err
		}
		return locks, store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cl.add(func() { _ = client.Close() })
		return adapter.NewRedisLockStore(client, timeout), catalog.NewInMemoryStore(), nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func lockOptions(cfg config.LockConfig, logger zerolog.Logger) []lock.Option {
	opts := []lock.Option{
		lock.WithLease(cfg.Lease),
		lock.WithRefreshInterval(cfg.RefreshInterval),
		lock.WithTickInterval(cfg.TickInterval),
		lock.WithLogger(logger),
	}
	if cfg.StrictAcquire {
		opts = append(opts, lock.WithStrictAcquire())
	}
	return opts
}

func buildProvider(users []config.UserConfig) (*identity.InMemoryProvider, error) {
	p := identity.NewInMemoryProvider()
	for _, u := range users {
		role := identity.RoleUser
		if u.Role == string(identity.RoleAdmin) {
			role = identity.RoleAdmin
		}
		_, err := p.AddUser(identity.User{
			Identity:     identity.Identity{ID: u.ID, Email: strings.TrimSpace(u.Email), DisplayName: u.DisplayName},
			PasswordHash: []byte(u.PasswordHash),
			Role:         role,
		})
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", u.Email, err)
		}
	}
	return p, nil
}

func applySeed(ctx context.Context, cfg config.SeedConfig, store catalog.Store) (bool, error) {
	if !cfg.Enabled {
		return false, nil
	}
	var (
		seed catalog.Seed
		err  error
	)
	if cfg.Path != "" {
		f, ferr := os.Open(cfg.Path)
		if ferr != nil {
			return false, ferr
		}
		defer f.Close()
		seed, err = catalog.LoadSeed(f)
	} else {
		seed, err = catalog.DefaultSeed()
	}
	if err != nil {
		return false, err
	}
	return catalog.ApplySeed(ctx, store, seed)
}
