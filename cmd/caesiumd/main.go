// Command caesiumd runs the Caesium publisher as a standalone daemon: it
// connects to MongoDB, builds a store adapter per configured collection,
// and drives the publisher's tick loop until interrupted.
//
// The HTTP surface (spec §6) is out of scope for this module; caesiumd only
// runs the background half of the system (the publisher). A companion HTTP
// process would import the store, revision, stack, and api packages
// directly to serve the push/list/peek/preview endpoints against the same
// MongoDB database.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/urbn/Caesium/cache"
	"github.com/urbn/Caesium/config"
	"github.com/urbn/Caesium/core"
	"github.com/urbn/Caesium/publisher"
	"github.com/urbn/Caesium/store"
)

func main() {
	var (
		mongoURI     = flag.String("mongo-uri", "", "MongoDB connection string (overrides default)")
		database     = flag.String("database", "", "MongoDB database name (overrides default)")
		collections  = flagStringList("collections", "comma-separated list of revisioned collection names")
		interval     = flag.Int("interval-seconds", 0, "publish interval in seconds (overrides default)")
		cacheBackend = flag.String("cache-backend", "", "read-through cache backend: memory, redis, badger, or empty to disable")
		cacheAddr    = flag.String("cache-addr", "", "cache backend address (redis host:port, or badger directory)")
	)
	flag.Parse()

	cfg := config.Default()
	if *mongoURI != "" {
		cfg.Mongo.URI = *mongoURI
	}
	if *database != "" {
		cfg.Mongo.Database = *database
	}
	if len(*collections) > 0 {
		cfg.Scheduler.Collections = *collections
	}
	if *interval > 0 {
		cfg.Scheduler.IntervalSeconds = *interval
	}
	if *cacheBackend != "" {
		cfg.Cache.Backend = *cacheBackend
	}
	if *cacheAddr != "" {
		switch cfg.Cache.Backend {
		case "redis":
			cfg.Cache.RedisAddr = *cacheAddr
		case "badger":
			cfg.Cache.BadgerDir = *cacheAddr
		}
	}

	if len(cfg.Scheduler.Collections) == 0 {
		core.Error("caesiumd: no scheduler.collections configured, nothing to publish")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	cancel()
	if err != nil {
		core.Error("caesiumd: failed to connect to mongo", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			core.Warn("caesiumd: error disconnecting from mongo", zap.Error(err))
		}
	}()

	db := client.Database(cfg.Mongo.Database)

	var sharedCache cache.Cache
	switch cfg.Cache.Backend {
	case "memory":
		sharedCache = cache.NewMemoryCache(cfg.Cache.TTL)
	case "redis":
		rc, err := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.TTL)
		if err != nil {
			core.Error("caesiumd: failed to connect to redis cache", zap.Error(err))
			os.Exit(1)
		}
		sharedCache = rc
	case "badger":
		bc, err := cache.NewBadgerCache(cfg.Cache.BadgerDir, cfg.Cache.TTL)
		if err != nil {
			core.Error("caesiumd: failed to open badger cache", zap.Error(err))
			os.Exit(1)
		}
		sharedCache = bc
	}
	if sharedCache != nil {
		defer sharedCache.Close()
	}

	adapterOpts := func() []store.Option {
		if sharedCache == nil {
			return nil
		}
		return []store.Option{store.WithCache(sharedCache, cfg.Cache.TTL)}
	}

	previews := store.New(db.Collection("previews"))

	cols := make([]publisher.Collection, 0, len(cfg.Scheduler.Collections))
	for _, name := range cfg.Scheduler.Collections {
		target := store.New(db.Collection(name), adapterOpts()...)
		revisions := store.New(db.Collection(name + "_revisions"))
		cols = append(cols, publisher.Collection{
			Name:      name,
			Target:    target,
			Revisions: revisions,
			Previews:  previews,
		})
	}

	pub := publisher.New(cols, time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second,
		publisher.WithLazyMigratedPublishedDefault(cfg.Scheduler.LazyMigratedPublishedByDefault))

	core.Info("caesiumd: starting publisher",
		zap.Strings("collections", cfg.Scheduler.Collections),
		zap.Int("interval_seconds", cfg.Scheduler.IntervalSeconds))

	pub.Start(ctx)
	<-ctx.Done()
	core.Info("caesiumd: shutting down")
	pub.Stop()
}

// flagStringList registers a comma-separated string-list flag and returns a
// pointer to its parsed value, populated only after flag.Parse runs.
func flagStringList(name, usage string) *[]string {
	out := new([]string)
	flag.Func(name, usage, func(raw string) error {
		if raw == "" {
			*out = nil
			return nil
		}
		parts := make([]string, 0)
		start := 0
		for i := 0; i <= len(raw); i++ {
			if i == len(raw) || raw[i] == ',' {
				if i > start {
					parts = append(parts, raw[start:i])
				}
				start = i + 1
			}
		}
		*out = parts
		return nil
	})
	return out
}
