package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/quivertree/invoicemem/internal/api"
	"github.com/quivertree/invoicemem/internal/config"
	"github.com/quivertree/invoicemem/internal/engine"
	"github.com/quivertree/invoicemem/internal/invoice"
	"github.com/quivertree/invoicemem/internal/memory"
	"github.com/quivertree/invoicemem/internal/store"
	"go.uber.org/zap"
)

func main() {
	demo := flag.Bool("demo", false, "seed sample memories, run the demo scenarios and exit")
	flag.Parse()

	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting invoicemem...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/invoicemem.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.String("path", cfgPath), zap.Error(err))
		cfg = config.Default()
	}

	// Pick the memory store: Postgres when configured, in-memory otherwise.
	var memStore memory.Store
	var pg *store.Postgres
	if cfg.Database.Postgres.DSN != "" {
		pg, err = store.NewPostgres(cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("postgres unavailable", zap.Error(err))
		}
		if err := pg.Migrate(context.Background(), "migrations"); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		memStore = pg
	} else {
		logger.Warn("no Postgres DSN configured, using in-memory store")
		memStore = store.NewInMem()
	}

	// Optional Redis read-through cache.
	var cache *store.Cached
	if cfg.Database.Redis.URL != "" {
		ttl := time.Duration(cfg.Database.Redis.TTLSeconds) * time.Second
		cache, err = store.NewCached(cfg.Database.Redis.URL, memStore, ttl, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without cache", zap.Error(err))
		} else {
			logger.Info("Redis cache enabled")
			memStore = cache
		}
	}

	eng := engine.New(memStore, logger)
	eng.SetRecallLimit(cfg.Engine.RecallLimit)

	if *demo {
		if err := runDemo(context.Background(), eng, memStore, logger); err != nil {
			logger.Fatal("demo failed", zap.Error(err))
		}
		return
	}

	handler := api.NewHandler(eng, memStore, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("invoicemem listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down invoicemem...")
	srv.Shutdown(context.Background())
	if cache != nil {
		cache.Close()
	}
	if pg != nil {
		pg.Close()
	}
}

// session tracks first encounters per vendor+pattern within one demo run,
// so repeated scenarios print "learned" only once. Caller-owned state, per
// run, never package-level.
type session struct {
	seen map[string]bool
}

func newSession() *session {
	return &session{seen: make(map[string]bool)}
}

func (s *session) firstEncounter(vendor, pattern string) bool {
	key := vendor + "|" + pattern
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	return true
}

// runDemo walks the learn-then-recall loop end to end on sample invoices.
func runDemo(ctx context.Context, eng *engine.Engine, memStore memory.Store, logger *zap.Logger) error {
	sess := newSession()

	// Seed a vendor memory: Hansecargo invoices always carry the same
	// service-date fill rule.
	seedContent := &memory.LearnedContent{
		Category:   memory.CategoryVendor,
		VendorName: "Hansecargo Logistik GmbH",
		Field:      "serviceDate",
		Confidence: 0.85,
		UsageCount: 3,
		Metadata:   map[string]interface{}{"proposedValue": "2024-03-01"},
	}
	encoded, err := seedContent.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := memStore.Save(ctx, &memory.Memory{
		ID:        "seed-hansecargo-servicedate",
		Kind:      memory.KindLongTerm,
		Content:   encoded,
		Source:    "seed",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	inv := &invoice.NormalizedInvoice{
		VendorName:    "Hansecargo Logistik GmbH",
		InvoiceNumber: "RE-2024-0117",
		InvoiceDate:   "2024-03-10",
		GrossAmount:   119.00,
		LineItems: []invoice.LineItem{
			{ID: "1", Description: "Seefracht Hamburg-Rotterdam", Quantity: 1, UnitPrice: 100, Amount: 100},
		},
	}
	rawText := "Rechnung RE-2024-0117\nSeefracht Hamburg-Rotterdam\nGesamt EUR 119,00 inkl. MwSt.\n2% Skonto bei Zahlung innerhalb 10 Tagen"

	// First pass: no feedback, heuristics fire, review expected.
	out, err := eng.Process(ctx, inv, rawText, nil)
	if err != nil {
		return err
	}
	printRun(logger, "first pass", out)

	// Human approves every proposal; the engine learns.
	feedback := &engine.HumanFeedback{}
	for _, c := range out.Corrections {
		feedback.ApprovedFields = append(feedback.ApprovedFields, c.Target.String())
		if sess.firstEncounter(inv.VendorName, c.Target.String()) {
			logger.Info("first encounter for vendor pattern",
				zap.String("vendor", inv.VendorName),
				zap.String("pattern", c.Target.String()))
		}
	}
	out, err = eng.Process(ctx, inv, rawText, feedback)
	if err != nil {
		return err
	}
	printRun(logger, "feedback pass", out)

	// Second pass: the learned memories now auto-apply.
	out, err = eng.Process(ctx, inv, rawText, nil)
	if err != nil {
		return err
	}
	printRun(logger, "second pass", out)

	return nil
}

func printRun(logger *zap.Logger, label string, out *engine.OutputContract) {
	logger.Info(label,
		zap.Int("corrections", len(out.Corrections)),
		zap.Bool("requires_human_review", out.RequiresHumanReview),
		zap.Float64("confidence", out.ConfidenceScore),
		zap.String("reasoning", out.Reasoning))
	for _, c := range out.Corrections {
		logger.Info("  correction",
			zap.String("field", c.Target.String()),
			zap.String("value", c.ProposedValue),
			zap.Float64("confidence", c.Confidence),
			zap.Bool("applied", c.Applied))
	}
	for _, u := range out.MemoryUpdates {
		logger.Info("  memory update",
			zap.String("field", u.Field),
			zap.String("action", string(u.Action)),
			zap.Float64("previous", u.PreviousConfidence),
			zap.Float64("new", u.NewConfidence))
	}
}
