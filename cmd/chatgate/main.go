package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"agrichat-go/internal/config"
	"agrichat-go/internal/gateway"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("网关配置加载成功。")

	// 2. 初始化数据库并迁移表结构
	db, err := gateway.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("网关数据库连接成功。")

	// 3. 初始化消息存储与 Hub
	store := gateway.NewGormMessageStore(db)
	hub := gateway.NewHub()
	go hub.Run()
	log.Println("网关 Hub 已启动。")

	// 4. 初始化服务层与处理器
	svc := gateway.NewChatService(store, hub)
	users := demoUsers()
	httpHandler := gateway.NewHTTPHandler(svc, users, cfg.Auth, cfg.Storage, cfg.Chat)
	wsHandler := gateway.NewWebSocketHandler(hub, svc, cfg.Auth, cfg.WebSocket)

	// 5. 组装路由
	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router)
	router.HandleFunc(cfg.Gateway.WebSocketPath, wsHandler.ServeWS)

	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins(cfg.Gateway.CORS.AllowedOrigins),
		gorillaHandlers.AllowedMethods(cfg.Gateway.CORS.AllowedMethods),
		gorillaHandlers.AllowedHeaders(cfg.Gateway.CORS.AllowedHeaders),
		gorillaHandlers.AllowCredentials(),
		gorillaHandlers.MaxAge(cfg.Gateway.CORS.MaxAge),
	)(router)
	loggedHandler := gorillaHandlers.LoggingHandler(os.Stdout, corsHandler)

	// 6. 启动 HTTP 服务
	addr := fmt.Sprintf("%s:%s", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{
		Addr:           addr,
		Handler:        loggedHandler,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		MaxHeaderBytes: cfg.Gateway.MaxHeaderBytes,
	}

	go func() {
		log.Printf("网关监听于 %s (WebSocket 路径 %s)", addr, cfg.Gateway.WebSocketPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("网关启动失败: %v", err)
		}
	}()

	// 7. 等待退出信号并优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("收到退出信号，开始优雅关停……")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("警告: 网关关停出错: %v", err)
	}
	log.Println("网关已退出。")
}

// demoUsers 返回内置的演示账号（农户与采购商各一）。
func demoUsers() map[string]gateway.UserAccount {
	users := make(map[string]gateway.UserAccount)
	for _, u := range []struct {
		username, userID, displayName, password string
	}{
		{"farmer", "user-farmer-1", "王家农场", "password"},
		{"buyer", "user-buyer-1", "绿源采购", "password"},
	} {
		hash, err := gateway.HashPassword(u.password)
		if err != nil {
			log.Fatalf("无法生成演示账号密码哈希: %v", err)
		}
		users[u.username] = gateway.UserAccount{
			UserID:       u.userID,
			DisplayName:  u.displayName,
			PasswordHash: hash,
		}
	}
	return users
}
