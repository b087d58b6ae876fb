package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/agent"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/api"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/catalog"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/config"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/invoker"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/llm/openai"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/observability/metrics"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/run"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/web3/provider"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/internal/workflow"
	"github.com/SamFelix03/Mantle-No-Code-Agent-Builder/pkg/logger"
)

// main 是 mantled 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("mantled 运行失败: %v", err)
	}
}

func serve(ctx context.Context) error {
	configPath := os.Getenv("MANTLE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "mantled.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}

	// 工具目录：默认使用内置的 Mantle 工具，可通过配置文件覆盖。
	cat := catalog.Default()
	if cfg.Catalog.Source != "" {
		loaded, err := catalog.Load(cfg.Catalog.Source)
		if err != nil {
			return err
		}
		cat = loaded
	}

	apiKey := cfg.ResolveOpenAIKey()
	if apiKey == "" {
		return errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
	}
	llmClient, err := openai.NewClient(openai.Config{
		APIKey:  apiKey,
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Model:   cfg.LLM.OpenAI.Model,
		Timeout: cfg.LLM.OpenAI.Timeout(),
	})
	if err != nil {
		return err
	}

	var store run.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		store = run.NewMemoryStore()
	case "mysql":
		mysqlStore, err := run.NewMySQLStore(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer func() {
		_ = store.Close()
	}()

	var queue run.Queue
	var guard invoker.Guard
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = run.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
		// 复用队列连接做工具调用的幂等保护。
		if redisGuard, err := invoker.NewRedisGuard(redisQueue.Client(), 0); err == nil {
			guard = redisGuard
		}
	case "rabbitmq":
		rabbitQueue, err := run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭运行队列失败: %v", err)
		}
	}()

	invokerOpts := []invoker.Option{}
	if guard != nil {
		invokerOpts = append(invokerOpts, invoker.WithGuard(guard))
	}
	inv := invoker.New(cat, invokerOpts...)

	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()),
		agent.WithTemperature(cfg.Agent.Temperature),
	}

	// 链上下文是可选增强，链不可达时继续提供服务。
	if cfg.Web3.Source != "" {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			log.Printf("初始化链客户端失败，链上下文不可用: %v", err)
		} else {
			defer registry.Close()
			if chainClient, err := registry.DefaultClient(); err == nil {
				agentOpts = append(agentOpts, agent.WithChainClient(chainClient))
			}
		}
	}

	ag := agent.New(llmClient, inv, cat, agentOpts...)
	builder := workflow.NewBuilder(llmClient)

	vault := run.NewVault()
	runService := run.NewService(store, queue, vault, cfg.Storage.RunStore.Retries)
	processor := run.NewProcessor(ag, store, queue, queue, vault,
		run.WithWorkerCount(cfg.Queue.Worker),
		run.WithProcessorLogger(logger.L()),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("运行处理器异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, ag, runService, builder, cat)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
