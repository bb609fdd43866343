package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cicero/config"
	"github.com/Gopher0727/Cicero/internal/engine"
	"github.com/Gopher0727/Cicero/internal/pkg/blob"
	"github.com/Gopher0727/Cicero/internal/pkg/feed"
	grpcpkg "github.com/Gopher0727/Cicero/internal/pkg/grpc"
	"github.com/Gopher0727/Cicero/internal/pkg/kafka"
	"github.com/Gopher0727/Cicero/internal/pkg/metrics"
	"github.com/Gopher0727/Cicero/internal/pkg/ratelimit"
	"github.com/Gopher0727/Cicero/internal/repositories"
	"github.com/Gopher0727/Cicero/internal/routers"
	"github.com/Gopher0727/Cicero/internal/services"
	"github.com/Gopher0727/Cicero/internal/storage"
	"github.com/Gopher0727/Cicero/internal/utils"
	jwtpkg "github.com/Gopher0727/Cicero/middleware/jwt"
	logger "github.com/Gopher0727/Cicero/middleware/log"
)

func main() {
	configPath := flag.String("config", "./config.toml", "配置文件路径")
	legacyPath := flag.String("import-legacy", "", "导入旧版群组文档 (JSON 数组) 后退出")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		stdlog.Fatalf("配置初始化失败: %v", err)
	}

	lg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		stdlog.Fatalf("日志初始化失败: %v", err)
	}
	defer lg.Close()
	log := lg.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化 Redis：变更推送、对象存储、用户缓存
	rdb, err := storage.InitRedis(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal("redis 初始化失败", zap.Error(err))
	}
	defer rdb.Close()
	redisFeed := feed.NewRedisFeed(rdb, log)

	pub, closeFeed := initPublisher(ctx, cfg, redisFeed, log)
	defer closeFeed()

	// 初始化 PostgreSQL，不可用时降级为内存存储
	var store repositories.Store
	db, err := storage.InitPostgres(&cfg.Postgres, log)
	if err != nil {
		log.Warn("postgres 不可用，使用内存存储，数据不会持久化", zap.Error(err))
		store = repositories.NewMemStore(pub, log)
	} else {
		store = repositories.NewGormStore(db, pub, log)
	}

	if *legacyPath != "" {
		if err := importLegacy(ctx, services.NewMigrationService(store, log), *legacyPath, log); err != nil {
			log.Error("旧版数据导入失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	blobs := blob.NewRedisStore(rdb, cfg.Blob.BaseURL)
	tokens := jwtpkg.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)

	// 初始化服务层
	authService := services.NewAuthService(store, tokens, log)
	functionsService := services.NewFunctionsService(store, blobs, log)
	userResolver := services.NewUserResolver(store, rdb, cfg.Resolver, log)

	// 事务函数 gRPC 服务
	grpcServer, err := grpcpkg.NewServer(cfg.GRPC.Address, authService, log)
	if err != nil {
		log.Fatal("gRPC 服务初始化失败", zap.Error(err))
	}
	grpcpkg.NewFunctionsServer(functionsService).Register(grpcServer.GetServer())
	go func() {
		if err := grpcServer.Start(); err != nil {
			log.Error("gRPC 服务退出", zap.Error(err))
		}
	}()
	defer grpcServer.Stop()

	// 引擎经 gRPC 调用事务函数，令牌以调用者身份签发
	functionsClient, err := grpcpkg.NewFunctionsClient(cfg.GRPC.Address, func(ctx context.Context, uid string) (string, error) {
		session, err := tokens.Issue(uid, "", "")
		if err != nil {
			return "", err
		}
		return session.Token, nil
	})
	if err != nil {
		log.Fatal("事务函数客户端初始化失败", zap.Error(err))
	}
	defer functionsClient.Close()

	eng := engine.New(engine.Deps{
		Store:     store,
		Functions: functionsClient,
		Blobs:     blobs,
		Users:     userResolver,
		Feed:      redisFeed,
	}, cfg.Engine, log)
	defer eng.Close()

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		log.Fatal("指标注册失败", zap.Error(err))
	}

	// 协程池，限制同时处理的请求数
	pool := utils.NewWorkerPool(cfg.Server.Workers, cfg.Server.QueueSize, log)
	pool.Start()
	defer pool.Stop()

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, routers.Deps{
		Auth:      authService,
		Engine:    eng,
		Functions: functionsService,
		Blobs:     blobs,
		Registry:  reg,
		Pool:      pool,
		Limiter:   ratelimit.NewWindowLimiter(rdb, log, true),
		RateLimit: cfg.RateLimit,
		Log:       log,
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Info("正在启动服务器", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("启动服务器失败", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("正在关闭服务器")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务器关闭超时", zap.Error(err))
	}
}

// initPublisher 选择变更发布方式。kafka 模式下由 Relay 把变更转发到 Redis；
// Kafka 不可用时降级为直接写 Redis。
func initPublisher(ctx context.Context, cfg *config.Config, redisFeed *feed.RedisFeed, log *zap.Logger) (feed.Publisher, func()) {
	direct := func() (feed.Publisher, func()) { return redisFeed, func() {} }
	if cfg.Feed.Mode != "kafka" {
		return direct()
	}

	producer, err := kafka.NewProducer(&cfg.Kafka, log)
	if err != nil {
		log.Warn("Kafka 生产者初始化失败，降级为直接写入 Redis", zap.Error(err))
		return direct()
	}
	relay, err := kafka.NewRelay(&cfg.Kafka, redisFeed, log)
	if err != nil {
		log.Warn("Kafka 消费者初始化失败，降级为直接写入 Redis", zap.Error(err))
		producer.Close()
		return direct()
	}
	if err := relay.Start(ctx); err != nil {
		log.Warn("Kafka 消费者启动失败，降级为直接写入 Redis", zap.Error(err))
		relay.Stop()
		producer.Close()
		return direct()
	}
	return producer, func() {
		if err := relay.Stop(); err != nil {
			log.Warn("关闭 Kafka 消费者失败", zap.Error(err))
		}
		if err := producer.Close(); err != nil {
			log.Warn("关闭 Kafka 生产者失败", zap.Error(err))
		}
	}
}

// importLegacy 逐个导入旧版群组文档的成员表
func importLegacy(ctx context.Context, migration *services.MigrationService, path string, log *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return err
	}

	var failed []error
	for _, doc := range docs {
		legacy, err := services.DecodeLegacyGroup(doc)
		if err != nil {
			log.Warn("跳过无法解析的旧版文档", zap.Error(err))
			failed = append(failed, err)
			continue
		}
		report, err := migration.ImportLegacyMembers(ctx, legacy)
		if err != nil {
			log.Warn("导入失败", zap.String("group_id", legacy.ID), zap.Error(err))
			failed = append(failed, err)
			continue
		}
		log.Info("导入完成",
			zap.String("group_id", report.GroupID),
			zap.Bool("created", report.Created),
			zap.Strings("imported", report.Imported),
			zap.Strings("skipped", report.Skipped),
		)
	}
	return errors.Join(failed...)
}
