package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"settleflow/auth"
	"settleflow/casefile"
	"settleflow/db"
	"settleflow/reasoning"
	"settleflow/reconcile"
	"settleflow/settlement"
	"settleflow/statement"
	"settleflow/timeline"
)

const expireSweepInterval = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	reasoner := reasoning.NewClient(
		os.Getenv("REASONING_BASE_URL"),
		os.Getenv("REASONING_API_KEY"),
		envOr("REASONING_MODEL", "gpt-4o-mini"),
	)

	tl := timeline.NewWriter(pool)
	statementSvc := statement.NewService(pool, statement.NewRepository(pool), tl)
	settlementSvc := settlement.NewService(pool, settlement.NewRepository(pool), reasoner, tl)
	caseSvc := casefile.NewService(pool, casefile.NewRepository(pool), tl, statementSvc, settlementSvc)
	reconcileSvc := reconcile.NewService(pool, reconcile.NewRepository(pool), settlementSvc, statementSvc, reasoner, tl)

	server := &Server{
		authService:       auth.NewService(auth.NewRepository(pool), jwtSecret),
		caseService:       caseSvc,
		statementService:  statementSvc,
		settlementService: settlementSvc,
		reconcileService:  reconcileSvc,
		timelineService:   tl,
	}

	httpServer := &http.Server{
		Addr:              envOr("LISTEN_ADDR", ":8080"),
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Maintenance sweep: flip overdue active option sets to expired.
	g.Go(func() error {
		ticker := time.NewTicker(expireSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := settlementSvc.ExpireStale(gctx); err != nil {
					log.Printf("expire sweep: %v", err)
				} else if n > 0 {
					log.Printf("expire sweep: %d option sets expired", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
