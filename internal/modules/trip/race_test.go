// README: Concurrency tests against PostgreSQL (run with -race and RIDELINK_TEST_DSN).
package trip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

func TestStore_ConcurrentBindSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc := newStoreService(t)

	tr, err := svc.Create(ctx, p2pCommand("r_db_race", PaymentCash))
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}

	const drivers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs <- svc.Bind(ctx, tr.ID, types.ID(fmt.Sprintf("d_db_%d", i)))
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one bind, got %d", success)
	}
}

func TestStore_DriverCannotHoldTwoTrips(t *testing.T) {
	ctx := context.Background()
	svc := newStoreService(t)

	a, err := svc.Create(ctx, p2pCommand("r_db_a", PaymentCash))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.Create(ctx, p2pCommand("r_db_b", PaymentCash))
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	for _, id := range []types.ID{a.ID, b.ID} {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			errs <- svc.Bind(ctx, id, "d_db_shared")
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		}
	}
	if success != 1 {
		t.Fatalf("expected driver bound to exactly one trip, got %d", success)
	}
}

func TestStore_CancelFeeRecordedOnce(t *testing.T) {
	ctx := context.Background()
	svc := newStoreService(t)

	tr, err := svc.Create(ctx, p2pCommand("r_db_fee", PaymentCash))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Bind(ctx, tr.ID, "d_db_fee"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := svc.Arrive(ctx, ArriveCommand{TripID: tr.ID, DriverID: "d_db_fee"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "r_db_fee", Role: RoleRequester})
		}()
	}
	close(start)
	wg.Wait()

	ledger, err := svc.Ledger(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Amount != 50 {
		t.Fatalf("expected a single 50 fee entry, got %+v", ledger)
	}
	if bal, _ := svc.Balance(ctx, "r_db_fee"); bal != -50 {
		t.Fatalf("expected requester balance -50, got %d", bal)
	}
}

func newStoreService(t *testing.T) *Service {
	t.Helper()
	return NewService(Deps{
		Store:   setupTestStore(t),
		Pricing: pricing.NewService(pricing.DefaultRateCard(), nil),
		Routes:  &stubRoutes{route: types.Route{Km: 9, Minutes: 22, Known: true}},
	})
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("RIDELINK_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDELINK_TEST_DSN not set; skipping DB-backed race tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, "TRUNCATE TABLE ledger_entries, trip_events, trips, wallets"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
