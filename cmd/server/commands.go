package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"securechat/internal/config"
	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/protocol/keyexchange"
	"securechat/internal/repository/sessionkey"
	"securechat/internal/repository/user"
	redisSvc "securechat/internal/service/redis"
	"securechat/internal/service/server"
	"securechat/internal/utils/log"
)

const connectTimeout = 10 * time.Second

func runServe(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := log.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		return err
	}

	pair, err := loadServerKeyPair(cfg)
	if err != nil {
		return err
	}
	provider := asymmetric.NewProvider(pair)
	log.Info("server key pair ready",
		zap.Int("bits", pair.Bits()),
		zap.Time("expires_at", pair.ExpiresAt))

	store, userRepo, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	go sessionkey.RunSweeper(ctx, store, cfg.SessionSweepInterval)

	orchestrator := keyexchange.NewOrchestrator(provider, store, cfg.SessionKeyTTL)
	srv := server.NewHttpServer(provider, orchestrator, store, userRepo)

	return srv.Run(ctx, cfg.Addr(), cfg.MetricsEnabled)
}

func loadServerKeyPair(cfg *config.Config) (*asymmetric.KeyPair, error) {
	if cfg.RSAPrivateKeyFile == "" {
		return asymmetric.GenerateKeyPair(cfg.RSAKeyBits, cfg.KeyPairTTL)
	}

	data, err := os.ReadFile(cfg.RSAPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.RSAPrivateKeyFile, err)
	}
	return asymmetric.LoadKeyPair(data, cfg.KeyPairTTL)
}

// openStore connects the configured session-key backend. The user directory
// is only available with the mongo driver.
func openStore(ctx context.Context, cfg *config.Config) (sessionkey.Store, *user.UserRepo, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StoreRedis:
		r, err := redisSvc.Connect(connectCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return sessionkey.NewRedisStore(r), nil, func() { _ = r.Close() }, nil

	case config.StoreMongo:
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, fmt.Errorf("ping mongo: %w", err)
		}

		db := client.Database(cfg.MongoDatabase)
		store := sessionkey.NewMongoStore(db)
		if err := store.EnsureIndexes(connectCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, fmt.Errorf("create session key index: %w", err)
		}

		users := user.NewUserRepo(db)
		if err := users.EnsureIndexes(connectCtx); err != nil {
			log.Warn("create user index failed", zap.Error(err))
		}
		return store, users, func() { _ = client.Disconnect(context.Background()) }, nil

	case config.StorePostgres:
		db, err := sessionkey.OpenPostgres(connectCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := sessionkey.NewPostgresStore(db)
		if err := store.EnsureSchema(connectCtx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("create session key table: %w", err)
		}
		return store, nil, func() { _ = db.Close() }, nil

	default:
		return sessionkey.NewMemoryStore(), nil, func() {}, nil
	}
}

func runKeygen(out string, bits int) error {
	if err := asymmetric.CheckExchangeBits(bits); err != nil {
		return err
	}

	pair, err := asymmetric.GenerateKeyPair(bits, asymmetric.DefaultKeyTTL)
	if err != nil {
		return err
	}

	if err := os.WriteFile(out, pair.PrivateKeyPEM(), 0o600); err != nil {
		return err
	}

	fmt.Printf("wrote %d-bit RSA private key to %s\n", pair.Bits(), out)
	return nil
}
