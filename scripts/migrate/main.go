package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	migrationsTable = "schema_migrations"
	migrationsDir   = "scripts/migrations"
)

type Migration struct {
	Version  int
	Name     string
	UpPath   string
	DownPath string
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("CORE_DATABASE_URL"), "PostgreSQL connection URL")
	migrationsPath := flag.String("migrations-path", migrationsDir, "Path to migrations directory")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("CORE_DATABASE_URL environment variable or --database-url flag is required")
	}

	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Args()[0]

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure migrations table: %v", err)
	}

	migrations, err := loadMigrations(*migrationsPath)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	switch command {
	case "up":
		if err := runMigrationsUp(ctx, pool, migrations); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		steps := 1
		if len(flag.Args()) > 1 {
			steps, err = strconv.Atoi(flag.Args()[1])
			if err != nil {
				log.Fatalf("Invalid number of steps: %v", err)
			}
		}
		if err := runMigrationsDown(ctx, pool, migrations, steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := showStatus(ctx, pool, migrations); err != nil {
			log.Fatalf("Failed to show status: %v", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Run all pending migrations
  down [n]       Rollback n migrations (default: 1)
  status         Show migration status

Options:
  --database-url    PostgreSQL connection URL (or set CORE_DATABASE_URL)
  --migrations-path Path to migrations directory (default: scripts/migrations)`)
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, migrationsTable)

	_, err := pool.Exec(ctx, query)
	return err
}

func loadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	migrationMap := make(map[int]*Migration)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}

		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		isUp := strings.HasSuffix(name, ".up.sql")
		isDown := strings.HasSuffix(name, ".down.sql")
		if !isUp && !isDown {
			continue
		}

		if migrationMap[version] == nil {
			migrationName := strings.TrimSuffix(strings.TrimSuffix(parts[1], ".up.sql"), ".down.sql")
			migrationMap[version] = &Migration{
				Version: version,
				Name:    migrationName,
			}
		}

		fullPath := filepath.Join(dir, name)
		if isUp {
			migrationMap[version].UpPath = fullPath
		} else {
			migrationMap[version].DownPath = fullPath
		}
	}

	migrations := make([]Migration, 0, len(migrationMap))
	for _, m := range migrationMap {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf("SELECT version FROM %s", migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func runMigrationsUp(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if m.UpPath == "" {
			return fmt.Errorf("migration %d has no up script", m.Version)
		}

		sql, err := os.ReadFile(m.UpPath)
		if err != nil {
			return err
		}

		log.Printf("Applying migration %d (%s)", m.Version, m.Name)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version) VALUES ($1)", migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Println("Migrations up to date")
	return nil
}

func runMigrationsDown(ctx context.Context, pool *pgxpool.Pool, migrations []Migration, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for i := len(migrations) - 1; i >= 0 && steps > 0; i-- {
		m := migrations[i]
		if !applied[m.Version] {
			continue
		}
		if m.DownPath == "" {
			return fmt.Errorf("migration %d has no down script", m.Version)
		}

		sql, err := os.ReadFile(m.DownPath)
		if err != nil {
			return err
		}

		log.Printf("Rolling back migration %d (%s)", m.Version, m.Name)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("rollback %d failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		steps--
	}

	return nil
}

func showStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		status := "pending"
		if applied[m.Version] {
			status = "applied"
		}
		fmt.Printf("%3d  %-30s %s\n", m.Version, m.Name, status)
	}
	return nil
}
