package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/database"
)

// ledger-check reports trips whose available_seats counter disagrees with
// the seats held by active reservations. It never repairs anything: the
// counter is authoritative and a mismatch needs a human.
func main() {
	var (
		dbURLFlag string
		limit     int
	)
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.IntVar(&limit, "limit", 500, "maximum number of mismatched trips to report")
	flag.Parse()

	// Try loading .env from current working directory (optional)
	_ = godotenv.Load()

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	// Build minimal database config without loading full app config
	dbCfg := config.DatabaseConfig{
		URL:                dbURL,
		Driver:             "pgx",
		MaxConnections:     2,
		MaxIdleConnections: 1,
	}

	db, err := database.NewConnection(dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	trips := database.NewTripRepository(db.DB, database.NewRetrier(1, 0, nil))
	rows, err := trips.ListLedgerMismatches(ctx, limit)
	if err != nil {
		log.Fatalf("ledger scan failed: %v", err)
	}

	if len(rows) == 0 {
		fmt.Println("Seat ledger consistent: every counter matches its active reservations.")
		return
	}

	fmt.Printf("%d trip(s) with a counter mismatch:\n", len(rows))
	for _, r := range rows {
		fmt.Printf("  %s [%s] capacity=%d available=%d held=%d drift=%+d\n",
			r.TripID, r.Status, r.Capacity, r.AvailableSeats, r.HeldSeats,
			r.AvailableSeats-(r.Capacity-r.HeldSeats))
	}
	os.Exit(1)
}
