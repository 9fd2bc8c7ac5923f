package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"study-init/backend/internal/config"
	"study-init/backend/internal/logging"
	"study-init/backend/internal/repository"
)

// seedStudy is a demo study and the users allowed to watch it.
type seedStudy struct {
	ID      string
	Name    string
	Members []string
}

func main() {
	ctx := context.Background()

	envFile := flag.String("env", "", "Path to .env file")
	members := flag.String("members", "", "Comma separated user ids added to every seeded study")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.IsDev())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	store := repository.NewPostgresStore(pool)

	extra := []string{"dev@localhost"}
	for _, m := range strings.Split(*members, ",") {
		if m = strings.TrimSpace(m); m != "" {
			extra = append(extra, m)
		}
	}

	studies := []seedStudy{
		{ID: "ONC-101", Name: "Oncology Phase II", Members: []string{"investigator@example.com"}},
		{ID: "CARD-204", Name: "Cardiology Outcomes", Members: []string{"monitor@example.com"}},
		{ID: "DEMO-001", Name: "Demo Study"},
	}

	for _, s := range studies {
		if err := store.CreateStudy(ctx, s.ID, s.Name, append(s.Members, extra...)...); err != nil {
			log.Printf("Failed to create study %s: %v", s.ID, err)
			continue
		}
		logger.Info("Seeded study", "id", s.ID, "name", s.Name, "members", len(s.Members)+len(extra))
	}
	logger.Info("Seeding complete!")
}
