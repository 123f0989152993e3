package main

import (
	"log"
	"net/http"
	"os"

	"github.com/felixge/httpsnoop"

	"github.com/schemaboard/collab/internal/giststore"
)

func main() {
	dbPath := os.Getenv("GISTSTORE_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/gists.db"
	}

	store, err := giststore.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize gist store: %v", err)
	}
	defer store.Close()

	router := giststore.NewHandler(store).Router()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			log.Printf("handled %s %s status=%d duration=%v", r.Method, r.URL.Path, m.Code, m.Duration)
		})
	})

	port := os.Getenv("GISTSTORE_PORT")
	if port == "" {
		port = "3001"
	}

	log.Printf("💾 Gist store starting on :%s", port)
	log.Printf("📁 Database: %s", dbPath)

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}
