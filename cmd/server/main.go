// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"quimicai-go/internal/config"
	"quimicai-go/internal/handler"
	"quimicai-go/internal/repository"
	"quimicai-go/internal/service"
	"quimicai-go/pkg/ask"
	"quimicai-go/pkg/database"
	"quimicai-go/pkg/kafka"
	"quimicai-go/pkg/llm"
	"quimicai-go/pkg/log"
	"quimicai-go/pkg/token"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("QUIMICAI_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化会话状态的 KV 存储
	kv := newKVStore(cfg.Storage, cfg.Database)
	conversationRepo := repository.NewConversationRepository(kv, cfg.Storage.KeyPrefix)

	// 4. 可选：将会话事件发布到 Kafka
	var storeOpts []service.StoreOption
	var publisher *kafka.EventPublisher
	if cfg.Kafka.Enabled {
		publisher = kafka.NewEventPublisher(cfg.Kafka)
		storeOpts = append(storeOpts, service.WithPublisher(publisher))
	}

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.SessionExpireHours)
	sessions := service.NewSessionManager(conversationRepo, storeOpts...)
	chatService := service.NewChatService(ask.NewClient(cfg.Ask.URL), cfg.Ask.Timeout())

	var llmClient llm.Client
	if cfg.LLM.BaseURL != "" {
		llmClient = llm.NewClient(cfg.LLM)
	} else {
		log.Warnf("未配置 llm.base_url，/api/ask 将返回不可用")
	}
	answerService := service.NewAnswerService(llmClient, cfg.LLM.Prompt.System)

	// 6. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Dependencies{
		Sessions:      sessions,
		ChatService:   chatService,
		AnswerService: answerService,
		JWTManager:    jwtManager,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// HTTP 关闭可能已耗尽 ctx，会话保存使用独立的超时
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	// 保存所有会话后再关闭事件发布器，确保最后的事件被刷新
	sessions.Shutdown(saveCtx)
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// newKVStore 根据配置选择会话状态的存储后端。
func newKVStore(storageCfg config.StorageConfig, dbCfg config.DatabaseConfig) repository.KVStore {
	switch storageCfg.Driver {
	case "mysql":
		return repository.NewGormKV(database.InitMySQL(dbCfg.MySQL.DSN), storageCfg.TTL())
	case "memory":
		log.Warnf("使用内存存储，重启后会话数据将丢失")
		return repository.NewMemoryKV()
	default:
		return repository.NewRedisKV(database.InitRedis(dbCfg.Redis.Addr, dbCfg.Redis.Password, dbCfg.Redis.DB), storageCfg.TTL())
	}
}
