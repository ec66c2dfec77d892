package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_messaging/internal/config"
	"e2e_messaging/internal/metrics"
	"e2e_messaging/internal/repository/prekey"
	redisSvc "e2e_messaging/internal/service/redis"
	"e2e_messaging/internal/service/server"
	"e2e_messaging/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var (
		configFile string
		inMemory   bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Key distribution and message relay server",
		Example: `  server -f server.toml
  server --memory`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, inMemory)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "", "path to the configuration file (TOML)")
	cmd.Flags().BoolVar(&inMemory, "memory", false, "keep keys and queued messages in memory instead of MongoDB and Redis")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string, inMemory bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer log.Sync()
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		directory server.KeyDirectory = server.NewMemoryDirectory()
		queue     server.OfflineQueue = server.NewMemoryQueue()
	)
	if !inMemory {
		mongoDBClient, err := initMongo(cfg.Mongo.URI)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer mongoDBClient.Disconnect(context.Background())
		directory = prekey.NewPreKeyRepo(mongoDBClient.Database(cfg.Mongo.Database))

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rs := redisSvc.NewRedis(rdb)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		queue = server.NewRedisQueue(rs)
	} else {
		log.Warn("running with in-memory storage; nothing survives a restart")
	}

	s := server.NewHttpServer(directory, queue, cfg.Server.RequestTimeout.Duration)
	if err := s.Run(ctx, cfg.Server.Addr); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
