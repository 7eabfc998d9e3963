// README: Concurrency tests for acceptance (run with -race); DB cases need FREIGHT_TEST_DSN.
package negotiation

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

	"freight/internal/types"
)

func repositories() map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"memory":   func(*testing.T) Repository { return NewMemoryStore() },
		"postgres": func(t *testing.T) Repository { return setupTestStore(t) },
	}
}

func TestConcurrentAcceptOffers(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			e := NewEngine(open(t), nil, nil, nil)
			ctx := context.Background()
			svc := mustPost(t, e, shipper)

			const attempts = 8
			var wg sync.WaitGroup
			errs := make(chan error, attempts)
			start := make(chan struct{})

			for i := 0; i < attempts; i++ {
				actor := types.Actor{ID: types.ID(fmt.Sprintf("d%d", i)), Role: types.RoleDriver}
				wg.Add(1)
				go func(a types.Actor) {
					defer wg.Done()
					<-start
					_, err := e.SubmitOffer(ctx, a, SubmitOfferCommand{
						ServiceID: svc.ID, Kind: OfferAccept, Price: svc.OfferedPrice,
					})
					errs <- err
				}(actor)
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
				if !errors.Is(err, types.ErrInvalidState) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly 1 success, got %d", success)
			}
			assertStatus(t, e, svc.ID, StatusAccepted)

			offers, err := e.ListOffers(ctx, shipper, svc.ID)
			if err != nil {
				t.Fatalf("list offers: %v", err)
			}
			accepted := 0
			for _, o := range offers {
				if o.Status == OfferAccepted {
					accepted++
				}
			}
			if accepted != 1 {
				t.Fatalf("expected 1 accepted offer, got %d", accepted)
			}
		})
	}
}

func TestConcurrentCounterAcceptVsDirectAccept(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			e := NewEngine(open(t), nil, nil, nil)
			ctx := context.Background()
			svc := mustPost(t, e, shipper)
			counter := mustOffer(t, e, driver, svc.ID, OfferCounter, 2000)

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := e.AcceptOffer(ctx, shipper, counter.Offer.ID)
				errs <- err
			}()
			go func() {
				defer wg.Done()
				_, err := e.SubmitOffer(ctx, driver2, SubmitOfferCommand{
					ServiceID: svc.ID, Kind: OfferAccept, Price: svc.OfferedPrice,
				})
				errs <- err
			}()
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
				} else if !errors.Is(err, types.ErrInvalidState) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly 1 success, got %d", success)
			}

			a, _, err := e.MyAssignment(ctx, driver)
			if err != nil {
				t.Fatalf("my assignment: %v", err)
			}
			b, _, err := e.MyAssignment(ctx, driver2)
			if err != nil {
				t.Fatalf("my assignment: %v", err)
			}
			if (a == nil) == (b == nil) {
				t.Fatalf("expected exactly one driver assigned, got %v and %v", a, b)
			}
		})
	}
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("FREIGHT_TEST_DSN")
	if dsn == "" {
		t.Skip("FREIGHT_TEST_DSN not set; skipping DB-backed tests")
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
	if _, err := db.Exec(ctx, "TRUNCATE TABLE service_state_events, assignments, offers, services"); err != nil {
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
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
