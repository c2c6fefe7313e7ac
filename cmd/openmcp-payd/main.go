package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"OpenMCP-Pay/internal/api"
	"OpenMCP-Pay/internal/asset"
	"OpenMCP-Pay/internal/auth"
	"OpenMCP-Pay/internal/chain"
	"OpenMCP-Pay/internal/chain/ethereum"
	"OpenMCP-Pay/internal/config"
	"OpenMCP-Pay/internal/escrow"
	"OpenMCP-Pay/internal/fee"
	"OpenMCP-Pay/internal/keeper"
	"OpenMCP-Pay/internal/observability/alerting"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/permission"
	"OpenMCP-Pay/internal/settlement"
	"OpenMCP-Pay/internal/store"
	"OpenMCP-Pay/internal/transfer"
	"OpenMCP-Pay/pkg/logger"
)

// main 是结算守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，缺省读取 "+config.EnvPath)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("openmcp-payd 运行失败: %v", err)
	}
}

func run(ctx context.Context, explicitPath string) error {
	path := config.ResolvePath(explicitPath)
	if path == "" {
		path = filepath.Join("configs", "openmcp-pay.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("openmcp-payd")

	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = store.NewRedisClient(ctx, store.RedisConfig{
			Address:  cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	backend, err := openBackend(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer backend.Close()

	var locker store.Locker = store.NewMemoryLocker()
	if cfg.Lock.Driver == "redis" {
		locker = store.NewRedisLocker(redisClient, store.RedisLockerConfig{
			Prefix:     cfg.Store.Redis.Prefix + ":lock",
			TTL:        cfg.Lock.TTL,
			RetryDelay: cfg.Lock.RetryDelay,
		})
	}

	catalog, err := asset.NewCatalog(cfg.Assets...)
	if err != nil {
		return err
	}
	calc, err := fee.NewCalculator(cfg.Fee.RateBps, cfg.FeeRecipient())
	if err != nil {
		return err
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: cfg.Alerting.Timeout},
		})
	}
	alerts := alerting.NewFanout(notifiers...)

	router, closeChains, err := buildRouter(ctx, cfg, catalog)
	if err != nil {
		return err
	}
	defer closeChains()

	guard := permission.NewGuard(backend, locker)
	registry := payment.NewRegistry(backend, locker, router, calc, cfg.PaymentsCustody(),
		payment.WithPermissions(guard),
		payment.WithAssets(catalog),
		payment.WithAlerts(alerts),
	)
	engine := settlement.NewEngine(backend, locker, registry,
		settlement.WithPermissions(guard),
		settlement.WithAlerts(alerts),
	)
	escrows := escrow.NewManager(backend, locker, router, calc, cfg.EscrowCustody(),
		escrow.WithAssets(catalog),
		escrow.WithAlerts(alerts),
	)

	if cfg.Keeper.Enabled {
		queue, err := openQueue(cfg, redisClient)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				lg.Warn("关闭 keeper 队列失败", slog.Any("error", err))
			}
		}()
		k := keeper.New(engine, queue,
			keeper.WithSpec(cfg.Keeper.Spec),
			keeper.WithWorkers(cfg.Keeper.Workers),
			keeper.WithCaller(cfg.KeeperCaller()),
		)
		go func() {
			if err := k.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("keeper 异常退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Auth.Insecure() {
		lg.Warn("auth.mode=insecure，直接信任 X-Caller 请求头，仅用于本地开发")
	}
	server := api.NewServer(cfg.Server.Address, api.Services{
		Payments:    registry,
		Settlement:  engine,
		Escrows:     escrows,
		Permissions: guard,
		Assets:      catalog,
	},
		api.WithAuthenticator(auth.NewAuthenticator(
			auth.WithMaxSkew(cfg.Auth.MaxSkew),
			auth.WithInsecure(cfg.Auth.Insecure()),
		)),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Driver == "redis" || cfg.Lock.Driver == "redis" || (cfg.Keeper.Enabled && cfg.Keeper.Queue == "redis")
}

func openBackend(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (store.Backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "mysql":
		return store.NewMySQLBackend(ctx, store.MySQLConfig{
			DSN:             cfg.Store.MySQL.DSN,
			MaxOpenConns:    cfg.Store.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Store.MySQL.ConnMaxIdleTime,
		})
	case "redis":
		return store.NewRedisBackend(redisClient, cfg.Store.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动 %s", cfg.Store.Driver)
	}
}

func openQueue(cfg *config.Config, redisClient *redis.Client) (keeper.Queue, error) {
	switch cfg.Keeper.Queue {
	case "memory":
		return keeper.NewMemoryQueue(1024), nil
	case "redis":
		return keeper.NewRedisQueue(redisClient, keeper.RedisQueueConfig{
			Queue:       cfg.Store.Redis.Prefix + ":keeper",
			MaxAttempts: cfg.Keeper.MaxAttempts,
		})
	case "rabbitmq":
		return keeper.NewRabbitMQQueue(keeper.RabbitMQConfig{
			URL:         cfg.Keeper.RabbitMQ.URL,
			Queue:       cfg.Keeper.RabbitMQ.Queue,
			Prefetch:    cfg.Keeper.RabbitMQ.Prefetch,
			Durable:     cfg.Keeper.RabbitMQ.Durable,
			MaxAttempts: cfg.Keeper.MaxAttempts,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Keeper.Queue)
	}
}

// buildRouter 为每条链建立 ERC-20 适配器；未绑定链的资产落到进程内账本。
func buildRouter(ctx context.Context, cfg *config.Config, catalog *asset.Catalog) (*chain.Router, func(), error) {
	lg := logger.Named("chain")
	router := chain.NewRouter(transfer.NewLedger())

	bindings := make(map[string]string)
	for _, symbol := range catalog.Symbols() {
		if a, _ := catalog.Lookup(symbol); a.Chain != "" {
			bindings[symbol] = a.Chain
		}
	}
	for symbol, name := range cfg.Chain.Assets {
		bindings[strings.ToUpper(strings.TrimSpace(symbol))] = name
	}

	defs, err := chain.LoadDefinitions(cfg.Chain.Definitions)
	if err != nil {
		return nil, nil, err
	}
	var adapters []*ethereum.Adapter
	closeAll := func() {
		for _, a := range adapters {
			a.Close()
		}
	}
	for name, def := range defs.Chains {
		if def.Type != "" && def.Type != "ethereum" && def.Type != "evm" {
			lg.Warn("跳过不支持的链类型", slog.String("chain", name), slog.String("type", def.Type))
			continue
		}
		tokens := make(map[string]common.Address)
		for symbol, bound := range bindings {
			if bound != name {
				continue
			}
			a, ok := catalog.Lookup(symbol)
			if !ok || a.Token == (common.Address{}) {
				closeAll()
				return nil, nil, fmt.Errorf("资产 %s 绑定到链 %s 但未配置合约地址", symbol, name)
			}
			tokens[symbol] = a.Token
		}
		if len(tokens) == 0 {
			lg.Info("链上没有绑定资产，跳过连接", slog.String("chain", name))
			continue
		}
		adapter, err := ethereum.Dial(ctx, ethereum.Config{
			Name:        name,
			RPCURL:      def.RPCURL,
			ChainID:     def.ChainID,
			OperatorKey: os.Getenv(def.OperatorKey),
			WaitMined:   def.WaitMined,
			Tokens:      tokens,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		adapters = append(adapters, adapter)
		router.Register(name, adapter)
		lg.Info("链适配器已就绪", slog.String("chain", name), slog.String("operator", adapter.Operator().Hex()))
	}
	for symbol, name := range bindings {
		router.Bind(symbol, name)
	}
	return router, closeAll, nil
}
