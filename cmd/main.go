package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/api/graph"
	"github.com/lvdashuaibi/livepoll/internal/api/rest"
	"github.com/lvdashuaibi/livepoll/internal/api/ws"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/logging"
	"github.com/lvdashuaibi/livepoll/internal/notify"
	"github.com/lvdashuaibi/livepoll/internal/pubsub"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"github.com/lvdashuaibi/livepoll/internal/session"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	configPath  = pflag.String("config", "config/config.yaml", "配置文件路径")
	instanceID  = pflag.Int("instance", 1, "实例ID，用于区分多个实例")
	recountPoll = pflag.String("recount", "", "从账本重新统计指定投票的票数后退出")
)

func main() {
	// 解析命令行参数
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("加载.env失败: %v", err)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()
	logger.Info("配置加载成功", zap.Int("instance", *instanceID))

	if code := exitCode(logger, run(cfg, logger)); code != 0 {
		os.Exit(code)
	}
}

// exitCode 记录退出原因并刷新日志，os.Exit不会执行defer
func exitCode(logger *zap.Logger, err error) int {
	if err == nil {
		return 0
	}
	logger.Error("服务异常退出", zap.Error(err))
	logger.Sync()
	return 1
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 账本
	ledger, err := repository.NewMySQLRepository(cfg.MySQL, logger)
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer ledger.Close()
	if cfg.MySQL.Migrate {
		if err := ledger.Migrate(ctx); err != nil {
			return err
		}
	}
	logger.Info("MySQL仓库初始化成功")

	// 票数存储
	client := repository.NewRedisClient(cfg.Redis)
	tally, err := repository.NewRedisRepository(ctx, client, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("初始化Redis仓库失败: %w", err)
	}
	defer tally.Close()
	logger.Info("Redis仓库初始化成功")

	locker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer locker.Close()

	bus, err := newBus(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	notifier := newNotifier(cfg, logger)
	defer notifier.Close()
	dispatcher := notify.NewDispatcher(notifier, cfg.Voting.NotificationTimeout, logger)
	defer dispatcher.Wait()

	votes := service.NewVoteService(ledger, tally, bus, locker, cfg.Lock, dispatcher, logger)
	polls := service.NewPollService(ledger, tally, votes, dispatcher, logger)

	if *recountPoll != "" {
		counts, err := votes.Reconcile(ctx, *recountPoll)
		if err != nil {
			return fmt.Errorf("对账失败: %w", err)
		}
		logger.Info("对账完成", zap.String("pollId", *recountPoll), zap.Any("tally", counts))
		return nil
	}

	registry := session.NewRegistry(bus, polls, logger)
	defer registry.Close()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	authenticator := auth.NewAuthenticator(cfg.Auth, cfg.Voting, ledger, logger)
	router := rest.NewServer(votes, polls, authenticator, logger).Router(cfg.Server, rest.Options{
		LiveHandler:    ws.NewHandler(registry, cfg.Server.AllowedOrigins, logger).Serve,
		GraphQLHandler: graph.NewGraphQLServer(votes, polls).Handler(),
		GraphQLPath:    cfg.GraphQL.Path,
	})

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", serverPort),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("LivePoll 已启动",
		zap.Int("instance", *instanceID),
		zap.String("addr", fmt.Sprintf("http://localhost:%d", serverPort)),
		zap.String("bus", cfg.Bus.Backend),
		zap.String("lock", cfg.Lock.Backend))

	// 等待中断信号
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP服务异常: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭HTTP服务超时", zap.Error(err))
	}
	return nil
}

func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lock.Lock, error) {
	switch cfg.Lock.Backend {
	case "etcd":
		l, err := lock.NewETCDLock(cfg.ETCD, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		logger.Info("ETCD分布式锁初始化成功")
		return l, nil
	case "local":
		logger.Warn("使用进程内锁，只适用于单实例部署")
		return lock.NewLocalLock(), nil
	default:
		l, err := lock.NewRedLock(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化Redlock失败: %w", err)
		}
		logger.Info("Redlock初始化成功", zap.Strings("nodes", cfg.Redis.LockAddresses))
		return l, nil
	}
}

func newBus(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (pubsub.Bus, error) {
	switch cfg.Bus.Backend {
	case "kafka":
		b, err := pubsub.NewKafkaBus(ctx, cfg.Kafka, cfg.Bus.BufferSize, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化Kafka广播失败: %w", err)
		}
		logger.Info("Kafka广播初始化成功", zap.String("topic", cfg.Kafka.DeltaTopic))
		return b, nil
	case "memory":
		logger.Warn("使用进程内广播，只适用于单实例部署")
		return pubsub.NewMemoryBus(cfg.Bus.BufferSize, logger), nil
	default:
		logger.Info("Redis广播初始化成功")
		return pubsub.NewRedisBus(client, cfg.Redis.KeyPrefix, cfg.Bus.BufferSize, logger), nil
	}
}

func newNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	if len(cfg.Kafka.Brokers) == 0 {
		return notify.NewLogNotifier(logger)
	}
	logger.Info("通知写入Kafka", zap.String("topic", cfg.Kafka.NotificationTopic))
	return notify.NewKafkaNotifier(cfg.Kafka)
}
