// Command seed imports a QTI item package into the remote question bank
// and assigns the imported items to a pool.
//
//	seed -dir ./cpr-posttest -type post_test -pool post-2026
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/config"
	"github.com/mind-engage/mindengage-testengine/internal/db"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/qti"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.yaml")
	dir := flag.String("dir", "", "unpacked QTI package (holds imsmanifest.xml)")
	testType := flag.String("type", string(exam.PreTest), "pre_test or post_test")
	pool := flag.String("pool", "", "pool to assign the imported items to (optional)")
	flag.Parse()

	tt := exam.TestType(*testType)
	if *dir == "" || (tt != exam.PreTest && tt != exam.PostTest) {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(logger.Options{Env: cfg.Env, Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	qs, err := qti.LoadDir(*dir, tt)
	if err != nil {
		zl.Fatal("read package", zap.String("dir", *dir), zap.Error(err))
	}
	if len(qs) == 0 {
		zl.Fatal("package holds no items", zap.String("dir", *dir))
	}

	conn, err := db.Open(ctx, db.Driver(cfg.Remote.Driver), cfg.Remote.DSN)
	if err != nil {
		zl.Fatal("open remote store", zap.Error(err))
	}
	defer conn.Close()
	store := exam.NewSQLStore(conn, cfg.Remote.Driver)

	if err := store.PutQuestions(ctx, qs...); err != nil {
		zl.Fatal("store questions", zap.Error(err))
	}
	if *pool != "" {
		ids := make([]string, 0, len(qs))
		for _, q := range qs {
			ids = append(ids, q.ID)
		}
		if err := store.AssignPool(ctx, tt, exam.PoolID(*pool), ids...); err != nil {
			zl.Fatal("assign pool", zap.Error(err))
		}
	}
	zl.Info("seeded question bank", zap.Int("items", len(qs)), zap.String("test_type", *testType),
		zap.String("pool", *pool))
}
