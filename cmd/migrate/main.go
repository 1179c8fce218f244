package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/txtgate/sms-gateway/internal/store"
)

// migrate applies the gateway schema and pre-creates monthly sms partitions.
// Safe to run repeatedly; every statement is IF NOT EXISTS.
func main() {
	months := flag.Int("months", 13, "number of monthly sms partitions to pre-create")
	flag.Parse()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := store.Connect(ctx, url)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	if err := store.EnsurePartitions(ctx, pool, time.Now().UTC(), *months); err != nil {
		log.Fatalf("create partitions: %v", err)
	}
	log.Printf("schema applied, %d partitions ensured", *months)
}
