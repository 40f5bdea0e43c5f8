package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/account"
	"fleet-panel/internal/allocation"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/auth"
	"fleet-panel/internal/backup"
	"fleet-panel/internal/config"
	"fleet-panel/internal/handler"
	"fleet-panel/internal/hub"
	"fleet-panel/internal/middleware"
	"fleet-panel/internal/permission"
	"fleet-panel/internal/store"
	"fleet-panel/internal/tokenvault"
	"fleet-panel/internal/wings"
)

const permissionCacheTTL = time.Minute

// NodeClient is everything the panel asks of node agents.
type NodeClient interface {
	backup.Remote
	ConsoleCredentials(ctx context.Context, nodeID, serverUUID, userID string, perms []string) (wings.ConsoleCredentials, error)
}

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Config      config.Config
	Logger      *slog.Logger
	// Nodes defaults to a wings client built from Config.
	Nodes  NodeClient
	Mailer account.Mailer
	Hub    *hub.Hub
}

func NewRouter(deps Deps) *gin.Engine {
	lg := deps.Logger
	if lg == nil {
		lg = slog.Default()
	}
	nodes := deps.Nodes
	if nodes == nil {
		nodes = wings.New(deps.Store, wings.Options{
			Timeout:  deps.Config.NodeRequestTimeout,
			TokenTTL: deps.Config.NodeTokenTTL,
		})
	}
	wsHub := deps.Hub
	if wsHub == nil {
		wsHub = hub.New()
	}

	sink := audit.Multi{
		audit.NewStoreSink(deps.Store, lg.With("component", "audit")),
		audit.NewHubSink(wsHub),
	}
	perms := permission.NewCache(permission.NewResolver(deps.Store), permissionCacheTTL)
	allocator := allocation.NewAllocator(deps.Store, allocation.Options{
		MaxAddresses: deps.Config.MaxCIDRAddresses,
		Audit:        sink,
		Logger:       lg.With("component", "allocation"),
	})
	backups := backup.NewManager(deps.Store, nodes, backup.Options{
		Audit:  sink,
		Logger: lg.With("component", "backup"),
	})
	accounts := account.NewService(deps.Store, tokenvault.New(deps.Store), account.Options{
		Tokens:   deps.TokenConfig,
		PanelURL: deps.Config.PanelURL,
		Mailer:   deps.Mailer,
		Sockets:  wsHub,
		Audit:    sink,
		Logger:   lg.With("component", "account"),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(lg.With("component", "http")))

	health := &handler.HealthHandler{DB: deps.Store}
	r.GET("/health", health.Get)

	resetLimit := deps.Config.ResetRequestsPerMinute
	if resetLimit <= 0 {
		resetLimit = 5
	}
	authHandler := &handler.AuthHandler{
		Accounts:            accounts,
		ResetRequestLimiter: middleware.NewRateLimiter(resetLimit, time.Minute),
		Logger:              lg,
	}
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	r.POST("/v1/auth/login", middleware.RateLimitMiddleware(loginLimiter), authHandler.Login)
	r.POST("/v1/auth/password/request", authHandler.RequestReset)
	r.POST("/v1/auth/password/reset", authHandler.Reset)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig, deps.Store))
	protected.POST("/auth/logout", authHandler.Logout)

	accountHandler := &handler.AccountHandler{Users: deps.Store, Accounts: accounts, Logger: lg}
	protected.GET("/account", accountHandler.Get)
	protected.PUT("/account/password", accountHandler.ChangePassword)

	admin := protected.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	adminHandler := &handler.AdminHandler{Nodes: deps.Store, Servers: deps.Store, Allocator: allocator, Logger: lg}
	admin.GET("/nodes", adminHandler.ListNodes)
	admin.POST("/nodes", adminHandler.CreateNode)
	admin.GET("/nodes/:node/allocations", adminHandler.ListNodeAllocations)
	admin.POST("/nodes/:node/allocations", adminHandler.CreateAllocations)
	admin.PATCH("/allocations/:id", adminHandler.UpdateAllocation)
	admin.DELETE("/allocations/:id", adminHandler.DeleteAllocation)
	admin.POST("/servers", adminHandler.CreateServer)

	access := &handler.ServerAccess{Servers: deps.Store, Permissions: perms, Logger: lg}
	client := protected.Group("/servers/:server")
	client.Use(access.Load())

	serverHandler := &handler.ServerHandler{Allocator: allocator, Audit: deps.Store, Logger: lg}
	client.GET("", serverHandler.Get)
	client.GET("/permissions", serverHandler.Permissions)
	client.GET("/activity", handler.Require("activity.read"), serverHandler.Activity)
	client.GET("/allocations", handler.Require("allocation.read"), serverHandler.ListAllocations)
	client.POST("/allocations", handler.Require("allocation.create"), serverHandler.AssignAllocation)
	client.PATCH("/allocations/:id", handler.Require("allocation.update"), serverHandler.UpdateAllocation)
	client.POST("/allocations/:id/primary", handler.Require("allocation.update"), serverHandler.SetPrimaryAllocation)
	client.DELETE("/allocations/:id", handler.Require("allocation.delete"), serverHandler.DeleteAllocation)

	subuserHandler := &handler.SubuserHandler{Repo: deps.Store, Permissions: perms, Sockets: wsHub, Audit: sink, Logger: lg}
	client.GET("/subusers", handler.Require("user.read"), subuserHandler.List)
	client.PUT("/subusers/:user", handler.Require("user.update"), subuserHandler.Put)
	client.DELETE("/subusers/:user", handler.Require("user.delete"), subuserHandler.Delete)

	backupHandler := &handler.BackupHandler{Backups: backups, Logger: lg}
	client.GET("/backups", handler.Require("backup.read"), backupHandler.List)
	client.POST("/backups", handler.Require("backup.create"), backupHandler.Create)
	client.POST("/backups/sync", handler.Require("backup.read"), backupHandler.Sync)
	client.GET("/backups/:backup", handler.Require("backup.read"), backupHandler.Get)
	client.DELETE("/backups/:backup", handler.Require("backup.delete"), backupHandler.Delete)
	client.POST("/backups/:backup/restore", handler.Require("backup.restore"), backupHandler.Restore)
	client.POST("/backups/:backup/lock", handler.Require("backup.delete"), backupHandler.Lock)
	client.POST("/backups/:backup/unlock", handler.Require("backup.delete"), backupHandler.Unlock)

	wsHandler := &handler.WebSocketHandler{Hub: wsHub, Console: nodes, Logger: lg}
	client.GET("/websocket", handler.Require(permission.WebsocketConnect), wsHandler.Credentials)
	client.GET("/ws", handler.Require(permission.WebsocketConnect), wsHandler.Serve)

	return r
}
