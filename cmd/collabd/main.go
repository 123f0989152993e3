package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schemaboard/collab/internal/config"
	"github.com/schemaboard/collab/internal/gist"
	"github.com/schemaboard/collab/internal/room"
	"github.com/schemaboard/collab/internal/ws"
)

func main() {
	cfg := config.FromEnv()

	var store ws.Store
	if cfg.PersistBaseURL != "" {
		store = gist.NewClient(cfg.PersistBaseURL)
	}

	hub := ws.NewHub(store, ws.Options{
		Room: room.Options{
			PresenceTTL: cfg.PresenceTTL,
			LockTTL:     cfg.LockTTL,
			DismissTTL:  cfg.DismissTTL,
		},
		Flush: room.FlushPolicy{
			OpsThreshold:     cfg.OpsThreshold,
			FlushInterval:    cfg.FlushInterval,
			BackoffBase:      cfg.BackoffBase,
			BackoffMax:       cfg.BackoffMax,
			RateLimitBase:    cfg.RateLimitBase,
			RateLimitMax:     cfg.RateLimitMax,
			MaxEvictFailures: room.DefaultFlushPolicy().MaxEvictFailures,
		},
		IdleGrace:       cfg.IdleGrace,
		TickInterval:    cfg.TickInterval,
		AllowForceEdit:  cfg.AllowForceEdit,
		PersistFilename: cfg.PersistFilename,
	})
	go hub.Run()

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	http.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		writeJSON(w, map[string]interface{}{
			"active_rooms":   hub.RoomCount(),
			"active_clients": hub.ClientCount(),
			"persistence":    hub.PersistenceEnabled(),
			"rooms":          hub.Stats(ctx),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	})

	handler := corsMiddleware(http.DefaultServeMux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down, flushing dirty rooms...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := hub.Shutdown(ctx); err != nil {
			log.Printf("⚠️ Shutdown flush incomplete: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("🧩 Collab server starting on :%s", cfg.Port)
	if cfg.PersistBaseURL != "" {
		log.Printf("💾 Persisting to %s", cfg.PersistBaseURL)
	}
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")

	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
