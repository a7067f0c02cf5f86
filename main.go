// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluffyriot/gabrelay/internal/browser"
	"github.com/fluffyriot/gabrelay/internal/config"
	"github.com/fluffyriot/gabrelay/internal/history"
	"github.com/fluffyriot/gabrelay/internal/relay"
	"github.com/fluffyriot/gabrelay/internal/routine"
	"github.com/fluffyriot/gabrelay/internal/telegram"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const gabURL = "https://gab.com/"

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalln(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := browser.New(gabURL)
	defer session.Close()

	sender, err := telegram.NewSender(cfg)
	if err != nil {
		log.Fatalln(err)
	}

	store := &history.Store{Dir: cfg.HistoryDir}

	err = sender.Run(ctx, func(ctx context.Context) error {
		pipeline := relay.New(sender, cfg.MediaCache)
		pipeline.Workers = cfg.FetchWorkers
		pipeline.FetchTimeout = cfg.FetchTimeout
		pipeline.MessageDelay = cfg.MessageDelay
		pipeline.PostDelay = cfg.PostDelay

		orch := routine.New(session, store, pipeline, cfg)

		go orch.Poll(ctx)

		r := gin.Default()

		r.GET("/", func(c *gin.Context) {
			if orch.Running() > 0 {
				log.Println("Routines already running")
				c.Status(http.StatusOK)
				return
			}
			log.Println("Triggering routines")
			go orch.RunAll(ctx)
			c.Status(http.StatusOK)
		})

		r.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"accounts": len(cfg.Accounts),
				"running":  orch.Running(),
			})
		})

		srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

		go func() {
			<-ctx.Done()
			log.Println("Received kill signal, shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		log.Printf("Server is listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalln(err)
	}

	log.Println("App shut down gracefully")
}
