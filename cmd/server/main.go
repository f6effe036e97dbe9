package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/prepmate/liveroom/internal/api"
	"github.com/prepmate/liveroom/internal/config"
	"github.com/prepmate/liveroom/internal/live"
	"github.com/prepmate/liveroom/internal/retention"
	"github.com/prepmate/liveroom/internal/store"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LIVEROOM_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Load()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize session store")
	}
	defer st.Close()

	hub := live.NewHub(st, live.Options{FlushDelay: cfg.FlushDelay})
	go hub.Run()

	sweeper := retention.New(st, retention.Config{
		Interval: cfg.RetentionInterval,
		Period:   cfg.RetentionPeriod,
	})
	sweeper.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) {
		live.ServeWS(hub, cfg.JWTSecret, cfg.MessagesPerSecond, cfg.MessageBurst, c.Writer, c.Request)
	})

	api.New(st, hub).Register(router, cfg.JWTSecret)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logrus.WithField("port", cfg.Port).Info("Live room server starting")
		logrus.Info("Endpoints:")
		logrus.Info("  - WebSocket: /ws?token={jwt}")
		logrus.Info("  - Health:    GET  /health")
		logrus.Info("  - Stats:     GET  /api/stats")
		logrus.Info("  - Rooms:     GET/POST /api/rooms")
		logrus.Info("  - Room:      GET  /api/rooms/{id}")
		logrus.Info("  - End:       POST /api/rooms/{id}/end")
		logrus.Info("  - Invite:    POST /api/rooms/{id}/invite")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("ListenAndServe failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Forced shutdown")
	}

	sweeper.Stop()
	hub.Stop()
}
