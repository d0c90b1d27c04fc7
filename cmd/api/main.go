package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tandem/api/internal/auth"
	"tandem/api/internal/config"
	"tandem/api/internal/gateway"
	"tandem/api/internal/room"
	"tandem/api/internal/snapshot"
	"tandem/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var orders *store.Postgres
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		orders, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer orders.Close()
	} else {
		log.Printf("DATABASE_URL not set, block order commits disabled")
	}

	var snapshots *snapshot.RedisStore
	var tickets *gateway.TicketStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		snapshots, err = snapshot.NewRedisStore(cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer snapshots.Close()
		tickets, err = gateway.NewTicketStore(cfg.RedisURL, cfg.TicketTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer tickets.Close()
	} else {
		log.Printf("REDIS_URL not set, snapshot retention and ticket exchange disabled")
	}

	var seed room.SeedFunc
	if snapshots != nil {
		seed = func(roomID string) []byte {
			loadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			snap, err := snapshots.Load(loadCtx, roomID)
			if err != nil {
				log.Printf("room %s: snapshot load failed: %v", roomID, err)
				return nil
			}
			return snap
		}
	}

	evict := func(roomID string, doc room.Document) {
		evictCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if snapshots != nil {
			if err := snapshots.Save(evictCtx, roomID, doc.Snapshot()); err != nil {
				log.Printf("room %s: snapshot save failed: %v", roomID, err)
			}
		}
		blockDoc, ok := doc.(*room.BlockDocument)
		if !ok || orders == nil {
			return
		}
		blocks := blockDoc.OrderedBlocks()
		order := make([]store.BlockOrder, 0, len(blocks))
		for _, b := range blocks {
			order = append(order, store.BlockOrder{BlockID: b.ID, SortKey: b.SortKey})
		}
		if err := orders.CommitBlockOrder(evictCtx, blockDoc.PageID(), order); err != nil {
			log.Printf("room %s: block order commit failed: %v", roomID, err)
		}
	}

	pages := room.NewRegistry(func(roomID string) room.Document {
		return room.NewBlockDocument(strings.TrimPrefix(roomID, "page-"))
	}, cfg.RoomIdleGrace, seed, evict)

	scratch := room.NewRegistry(func(string) room.Document {
		return room.NewTextDocument()
	}, cfg.RoomIdleGrace, seed, evict)

	checks := map[string]gateway.Check{}
	if orders != nil {
		checks["database"] = orders.Ping
	}
	if snapshots != nil {
		checks["redis"] = snapshots.Ping
	}

	verifier := auth.NewHMACVerifier([]byte(cfg.AuthSecret))
	server := gateway.NewServer(verifier, tickets, cfg.CORSOrigin, checks,
		gateway.Endpoint{
			Name:      "pages",
			Path:      "/ws/pages/{room}",
			Registry:  pages,
			RoomID:    gateway.OpaqueRoomID(cfg.MaxRoomIDLength),
			Authorize: gateway.AllowAuthenticated(),
		},
		gateway.Endpoint{
			Name:      "scratch",
			Path:      "/ws/scratch/{room}",
			Registry:  scratch,
			RoomID:    gateway.StrictRoomID(),
			Authorize: gateway.RequireCallerRoom(),
		},
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tandem sync listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Evict every room so retained snapshots and order commits are flushed.
	pages.Close()
	scratch.Close()
}
