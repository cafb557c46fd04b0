package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Briankiboi/attendance-engine/internal/config"
	"github.com/Briankiboi/attendance-engine/internal/enrollment"
	"github.com/Briankiboi/attendance-engine/internal/queue"
	"github.com/Briankiboi/attendance-engine/internal/session"
	"github.com/Briankiboi/attendance-engine/internal/store"
)

// Worker replays enrollment reconciliation triggers and periodically sweeps
// the projection and the cached session-active flags. Both jobs are
// idempotent, so a crashed worker simply redoes them on the next run.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisDialTimeout, cfg.RedisOpTimeout)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:reconcile")
	}

	enrollIdx := enrollment.NewIndex(db.Client)
	registry := session.NewRegistry(db.Client, cfg.RadiusMinM, cfg.RadiusMaxM)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	sweep := time.NewTicker(5 * time.Minute)
	defer sweep.Stop()

	log.Println("worker started, waiting for reconcile triggers...")
	for {
		select {
		case <-ctx.Done():
			log.Println("worker stopped")
			return

		case msg, ok := <-messages:
			if !ok {
				log.Println("worker stopped")
				return
			}
			if msg.Type != "reconcile" {
				continue
			}
			trigger, err := queue.DecodeTrigger(msg.Body)
			if err != nil {
				log.Printf("dropping bad trigger: %v", err)
				continue
			}
			if err := enrollment.Reconcile(ctx, db.Client, trigger.UnitID, trigger.Year, trigger.Semester); err != nil {
				log.Printf("reconcile unit=%s period=%d/%d failed: %v",
					trigger.UnitID, trigger.Year, trigger.Semester, err)
				continue
			}
			log.Printf("reconciled unit=%s period=%d/%d", trigger.UnitID, trigger.Year, trigger.Semester)

		case <-sweep.C:
			if n, err := enrollIdx.ReconcileAll(ctx); err != nil {
				log.Printf("projection sweep failed after %d tuples: %v", n, err)
			} else {
				log.Printf("projection sweep covered %d tuples", n)
			}
			if n, err := registry.RefreshActiveFlags(ctx); err != nil {
				log.Printf("active-flag refresh failed: %v", err)
			} else if n > 0 {
				log.Printf("refreshed %d stale session flags", n)
			}
		}
	}
}
