// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/zhangwei-case/internal/api"
	"github.com/Corphon/zhangwei-case/internal/app"
	"github.com/Corphon/zhangwei-case/internal/config"
	"github.com/Corphon/zhangwei-case/internal/di"
)

func main() {
	log.Println("🚀 启动张薇失联事件核心服务...")

	// 1. 加载基础配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)

	// 2. 初始化所有服务（按依赖顺序）
	container, err := app.InitServices(cfg)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}

	// 3. 设置路由（只获取服务，不创建）
	router, err := api.SetupRouter(cfg, container)
	if err != nil {
		log.Fatalf("设置路由失败: %v", err)
	}

	// 4. 启动并等待优雅关闭
	setupGracefulShutdown(router, cfg.Port, container)
}

// 优雅关闭函数
func setupGracefulShutdown(router *gin.Engine, port string, container *di.Container) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("❌ 服务器强制关闭: %v", err)
	}

	app.Shutdown(container)

	log.Println("✅ 服务器优雅关闭完成")
}
