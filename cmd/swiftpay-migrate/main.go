// Command swiftpay-migrate applies the embedded database schema.
//
// Usage:
//
//	swiftpay-migrate [-dsn URL] up|down|version|force N
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/swiftpay/internal/storage/postgres"
)

func main() {
	var (
		dsn     = flag.String("dsn", "", "Postgres connection string (default $DATABASE_URL)")
		envFile = flag.String("env", ".env", "Path to a .env file")
		steps   = flag.Int("steps", 0, "Number of migrations to roll back with down (0 = all)")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}
	if *dsn == "" {
		*dsn = os.Getenv("DATABASE_URL")
	}
	if *dsn == "" {
		log.Fatal("a connection string is required: pass -dsn or set DATABASE_URL")
	}

	cmd := "up"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	m, err := postgres.NewMigrator(db)
	if err != nil {
		log.Fatalf("migrator: %v", err)
	}

	if err := run(m, cmd, flag.Args(), *steps); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(m *migrate.Migrate, cmd string, args []string, steps int) error {
	var err error
	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force needs a version")
		}
		v, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		err = m.Force(v)
	case "version":
	default:
		return fmt.Errorf("unknown command %q (want up, down, version or force)", cmd)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("no change")
		err = nil
	}
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Println("schema version: none")
	case err != nil:
		return err
	default:
		log.Printf("schema version: %d (dirty=%t)", version, dirty)
	}
	return nil
}
