// Command migrate bootstraps the dispatch schema. With --list it only
// prints the dispatch tables that already exist.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ignite/dispatchd/internal/config"
	"github.com/ignite/dispatchd/internal/store"
)

func main() {
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		}
	}

	cfg := config.DatabaseConfig{URL: os.Getenv("DATABASE_URL")}
	if cfg.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer st.Close()
	log.Println("Connected to database")

	if listOnly {
		rows, err := st.DB().QueryContext(ctx,
			`SELECT tablename FROM pg_tables WHERE schemaname='public'
			 AND tablename IN ('applications','templates','delivery_logs','pending_deliveries','artifact_records')
			 ORDER BY tablename`)
		if err != nil {
			log.Fatal(err)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			var t string
			rows.Scan(&t)
			fmt.Println(" ", t)
			n++
		}
		fmt.Printf("Total: %d tables\n", n)
		return
	}

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	log.Println("Schema ensured")
}
