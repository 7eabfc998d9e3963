package intent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freight/internal/types"
)

var (
	driver  = types.Actor{ID: "driver_1", Role: types.RoleDriver}
	shipper = types.Actor{ID: "shipper_1", Role: types.RoleShipper}
)

func sampleCommand() UpsertCommand {
	from := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	return UpsertCommand{
		Current:             &types.Point{Lat: -22.90, Lng: -47.06},
		IntendedDest:        types.Point{Lat: -23.55, Lng: -46.63},
		IntendedDestAddress: "Sao Paulo, SP",
		AvailableFrom:       from,
		AvailableTo:         from.Add(12 * time.Hour),
	}
}

func TestUpsertAndGet(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Get(ctx, driver.ID)
	require.ErrorIs(t, err, types.ErrNotFound)

	saved, err := svc.Upsert(ctx, driver, sampleCommand())
	require.NoError(t, err)
	assert.Equal(t, driver.ID, saved.DriverID)

	got, err := svc.Get(ctx, driver.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.Equal(t, -22.90, got.Current.Lat)
	assert.Equal(t, "Sao Paulo, SP", got.IntendedDestAddress)
}

func TestUpsertOverwritesWholeIntent(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, driver, sampleCommand())
	require.NoError(t, err)

	next := sampleCommand()
	next.Current = nil
	next.IntendedDestAddress = ""
	next.IntendedDest = types.Point{Lat: -25.43, Lng: -49.27}
	_, err = svc.Upsert(ctx, driver, next)
	require.NoError(t, err)

	got, err := svc.Get(ctx, driver.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Current, "omitted position must clear the stored one")
	assert.Empty(t, got.IntendedDestAddress)
	assert.Equal(t, -25.43, got.IntendedDest.Lat)
}

func TestUpsertRejected(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, shipper, sampleCommand())
	assert.ErrorIs(t, err, types.ErrForbidden)

	badWindow := sampleCommand()
	badWindow.AvailableTo = badWindow.AvailableFrom.Add(-time.Minute)
	_, err = svc.Upsert(ctx, driver, badWindow)
	assert.ErrorIs(t, err, types.ErrBadRequest)

	badDest := sampleCommand()
	badDest.IntendedDest.Lng = 200
	_, err = svc.Upsert(ctx, driver, badDest)
	assert.ErrorIs(t, err, types.ErrBadRequest)

	badCurrent := sampleCommand()
	badCurrent.Current = &types.Point{Lat: -95}
	_, err = svc.Upsert(ctx, driver, badCurrent)
	assert.ErrorIs(t, err, types.ErrBadRequest)

	both := types.Actor{ID: "both_1", Role: types.RoleBoth}
	_, err = svc.Upsert(ctx, both, sampleCommand())
	assert.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FREIGHT_TEST_DSN")
	if dsn == "" {
		t.Skip("FREIGHT_TEST_DSN not set; skipping DB-backed tests")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Exec(ctx, `CREATE TABLE IF NOT EXISTS driver_intents (
		driver_id TEXT PRIMARY KEY,
		current_lat DOUBLE PRECISION,
		current_lng DOUBLE PRECISION,
		intended_dest_lat DOUBLE PRECISION NOT NULL,
		intended_dest_lng DOUBLE PRECISION NOT NULL,
		intended_dest_address TEXT NOT NULL DEFAULT '',
		available_from TIMESTAMPTZ NOT NULL,
		available_to TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, "DELETE FROM driver_intents WHERE driver_id = $1", string(driver.ID))
	require.NoError(t, err)

	svc := NewService(NewStore(db))
	_, err = svc.Get(ctx, driver.ID)
	require.ErrorIs(t, err, ErrIntentNotFound)

	_, err = svc.Upsert(ctx, driver, sampleCommand())
	require.NoError(t, err)

	next := sampleCommand()
	next.Current = nil
	_, err = svc.Upsert(ctx, driver, next)
	require.NoError(t, err)

	got, err := svc.Get(ctx, driver.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Current)
	assert.True(t, got.AvailableFrom.Equal(next.AvailableFrom))
}
