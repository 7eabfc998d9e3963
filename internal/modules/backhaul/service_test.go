package backhaul

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freight/internal/geo"
	"freight/internal/modules/intent"
	"freight/internal/modules/negotiation"
	"freight/internal/types"
)

var (
	shipper = types.Actor{ID: "shipper_1", Role: types.RoleShipper}
	driver  = types.Actor{ID: "driver_1", Role: types.RoleDriver}

	saoPaulo = types.Point{Lat: -23.55, Lng: -46.63}
	campinas = types.Point{Lat: -22.90, Lng: -47.06}
)

// fakeIndex answers Nearby with whatever is in open, regardless of distance.
type fakeIndex struct {
	open     []types.ID
	failOpen int
	err      error
	addErr   error
	lookups  int
	added    []OpenService
	rebuilt  []OpenService
}

func (f *fakeIndex) IndexOpen(_ context.Context, id types.ID, _ types.Point) error {
	if f.failOpen > 0 {
		f.failOpen--
		return errors.New("redis blip")
	}
	f.open = append(f.open, id)
	return nil
}

func (f *fakeIndex) Unindex(_ context.Context, id types.ID) error {
	f.open = slices.DeleteFunc(f.open, func(o types.ID) bool { return o == id })
	return nil
}

func (f *fakeIndex) Nearby(context.Context, types.Point, float64) ([]types.ID, error) {
	f.lookups++
	return f.open, f.err
}

func (f *fakeIndex) Add(_ context.Context, services []OpenService) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = services
	for _, svc := range services {
		if !slices.Contains(f.open, svc.ID) {
			f.open = append(f.open, svc.ID)
		}
	}
	return nil
}

func (f *fakeIndex) Rebuild(_ context.Context, services []OpenService) error {
	f.rebuilt = services
	f.open = nil
	for _, svc := range services {
		f.open = append(f.open, svc.ID)
	}
	return nil
}

func post(t *testing.T, e *negotiation.Engine, origin, dest types.Point, price float64) *negotiation.Service {
	t.Helper()
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc, err := e.PostService(context.Background(), shipper, negotiation.PostCommand{
		Title:          "load",
		Origin:         origin,
		Dest:           dest,
		PickupWindow:   negotiation.Window{Start: start, End: start.Add(2 * time.Hour)},
		DeliveryWindow: negotiation.Window{Start: start.Add(3 * time.Hour), End: start.Add(8 * time.Hour)},
		OfferedPrice:   types.MoneyFromFloat(price, types.DefaultCurrency),
	})
	require.NoError(t, err)
	return svc
}

// TestDeliveryThenBackhaul walks a load from posting to delivery, then asks
// for a return load from the delivery point.
func TestDeliveryThenBackhaul(t *testing.T) {
	ctx := context.Background()
	engine := negotiation.NewEngine(negotiation.NewMemoryStore(), nil, nil, nil)
	intents := intent.NewService(intent.NewMemoryStore())
	suggester := NewService(engine, intents, nil, Config{}, nil)

	outbound := post(t, engine, saoPaulo, campinas, 1800)
	counter, err := engine.SubmitOffer(ctx, driver, negotiation.SubmitOfferCommand{
		ServiceID: outbound.ID,
		Kind:      negotiation.OfferCounter,
		Price:     types.MoneyFromFloat(2000, types.DefaultCurrency),
	})
	require.NoError(t, err)

	accepted, err := engine.AcceptOffer(ctx, shipper, counter.Offer.ID)
	require.NoError(t, err)
	require.NotNil(t, accepted.Assignment)
	assert.Equal(t, negotiation.StatusAccepted, accepted.Service.Status)

	_, err = engine.Collect(ctx, driver, outbound.ID)
	require.NoError(t, err)
	delivered, err := engine.Deliver(ctx, driver, outbound.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusDelivered, delivered.Status)

	now := time.Now().UTC()
	_, err = intents.Upsert(ctx, driver, intent.UpsertCommand{
		Current:       &campinas,
		IntendedDest:  saoPaulo,
		AvailableFrom: now,
		AvailableTo:   now.Add(6 * time.Hour),
	})
	require.NoError(t, err)

	returnOrigin := types.Point{Lat: -22.91, Lng: -47.05}
	returnDest := types.Point{Lat: -23.56, Lng: -46.64}
	back := post(t, engine, returnOrigin, returnDest, 1700)
	post(t, engine, types.Point{Lat: -3.73, Lng: -38.52}, saoPaulo, 9000) // Fortaleza, out of range

	got, err := suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: driver.ID, RadiusKm: 300})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, back.ID, got[0].ServiceID)

	want := Score([]negotiation.Service{*back}, campinas, saoPaulo, 300)
	assert.Equal(t, want[0].Score, got[0].Score)
	assert.Less(t, got[0].PickupDistanceKm, 2.0)
	assert.Less(t, got[0].DestGapKm, 2.0)

	pickup := geo.HaversineKm(campinas, returnOrigin)
	trip := geo.HaversineKm(returnOrigin, returnDest)
	detour := pickup + trip - geo.HaversineKm(campinas, returnDest)
	gap := geo.HaversineKm(returnDest, saoPaulo)
	assert.Equal(t, geo.Round2(-(pickup*1.2)-(detour*2.0)+(1700/trip)-(gap*0.5)), got[0].Score)
}

func TestSuggestExplicitPositions(t *testing.T) {
	ctx := context.Background()
	engine := negotiation.NewEngine(negotiation.NewMemoryStore(), nil, nil, nil)
	suggester := NewService(engine, intent.NewService(intent.NewMemoryStore()), nil, Config{}, nil)
	svc := post(t, engine, campinas, saoPaulo, 1500)

	got, err := suggester.Suggest(ctx, Query{DriverID: "nobody", From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, svc.ID, got[0].ServiceID)
}

func TestSuggestRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	engine := negotiation.NewEngine(negotiation.NewMemoryStore(), nil, nil, nil)
	intents := intent.NewService(intent.NewMemoryStore())
	suggester := NewService(engine, intents, nil, Config{DefaultRadiusKm: 200, MaxRadiusKm: 1000}, nil)

	_, err := suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: driver.ID})
	assert.ErrorIs(t, err, types.ErrBadRequest, "no intent and no positions")

	for _, r := range []float64{-5, 1000.5} {
		_, err = suggester.Suggest(ctx, Query{DriverID: driver.ID, From: &campinas, IntendedDest: &saoPaulo, RadiusKm: r})
		assert.ErrorIs(t, err, types.ErrBadRequest, "radius %v", r)
	}

	now := time.Now().UTC()
	_, err = intents.Upsert(ctx, driver, intent.UpsertCommand{IntendedDest: saoPaulo, AvailableFrom: now, AvailableTo: now})
	require.NoError(t, err)
	_, err = suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: driver.ID})
	assert.ErrorIs(t, err, types.ErrBadRequest, "intent without current position")

	_, err = suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: driver.ID, From: &campinas})
	assert.NoError(t, err, "explicit from with stored destination")
}

func TestSuggestIntentOnlyForTheDriver(t *testing.T) {
	ctx := context.Background()
	engine := negotiation.NewEngine(negotiation.NewMemoryStore(), nil, nil, nil)
	intents := intent.NewService(intent.NewMemoryStore())
	suggester := NewService(engine, intents, nil, Config{}, nil)
	post(t, engine, campinas, saoPaulo, 1500)

	now := time.Now().UTC()
	_, err := intents.Upsert(ctx, driver, intent.UpsertCommand{
		Current: &campinas, IntendedDest: saoPaulo, AvailableFrom: now, AvailableTo: now.Add(time.Hour),
	})
	require.NoError(t, err)

	for _, caller := range []types.ID{"", "driver_2"} {
		_, err = suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: caller})
		assert.ErrorIs(t, err, types.ErrBadRequest, "caller %q", caller)
		_, err = suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: caller, From: &campinas})
		assert.ErrorIs(t, err, types.ErrBadRequest, "caller %q with partial positions", caller)
	}

	got, err := suggester.Suggest(ctx, Query{DriverID: driver.ID, Caller: driver.ID})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = suggester.Suggest(ctx, Query{DriverID: driver.ID, From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Len(t, got, 1, "explicit positions need no caller")
}

func TestSuggestUsesIndex(t *testing.T) {
	ctx := context.Background()
	engine := negotiation.NewEngine(negotiation.NewMemoryStore(), nil, nil, nil)
	a := post(t, engine, campinas, saoPaulo, 1500)
	post(t, engine, campinas, saoPaulo, 2500)

	idx := &fakeIndex{open: []types.ID{a.ID}}
	suggester := NewService(engine, nil, idx, Config{}, nil)

	got, err := suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ServiceID)

	idx.open = nil
	got, err = suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Empty(t, got, "empty index result means no candidates")

	idx.err = errors.New("redis down")
	got, err = suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Len(t, got, 2, "index failure falls back to listing")

	require.NoError(t, suggester.Reindex(ctx))
	assert.Len(t, idx.rebuilt, 2)
}

func TestMissedIndexWriteFallsBackToListing(t *testing.T) {
	ctx := context.Background()
	store := negotiation.NewMemoryStore()
	idx := &fakeIndex{failOpen: 1}
	suggester := NewService(store, nil, idx, Config{}, nil)
	engine := negotiation.NewEngine(store, nil, suggester, nil)

	missed := post(t, engine, campinas, saoPaulo, 1500)
	indexed := post(t, engine, campinas, saoPaulo, 1600)
	require.Equal(t, []types.ID{indexed.ID}, idx.open)

	idx.addErr = errors.New("still down")
	got, err := suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Len(t, got, 2, "both open services are scored")
	assert.Zero(t, idx.lookups, "a stale index is not consulted")

	idx.addErr = nil
	got, err = suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Zero(t, idx.lookups)
	assert.Len(t, idx.added, 2)
	assert.Contains(t, idx.open, missed.ID, "catch-up indexed the missed service")

	got, err = suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, idx.lookups, "index trusted again after catch-up")
}

func TestReindexClearsMissedWrites(t *testing.T) {
	ctx := context.Background()
	store := negotiation.NewMemoryStore()
	idx := &fakeIndex{failOpen: 1}
	suggester := NewService(store, nil, idx, Config{}, nil)
	engine := negotiation.NewEngine(store, nil, suggester, nil)
	post(t, engine, campinas, saoPaulo, 1500)

	require.NoError(t, suggester.Reindex(ctx))
	require.Len(t, idx.rebuilt, 1)

	got, err := suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, idx.lookups)
}

func TestUnreachableRedisMarksIndexStale(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	ctx := context.Background()
	store := negotiation.NewMemoryStore()
	suggester := NewService(store, nil, NewIndex(rdb), Config{}, nil)
	engine := negotiation.NewEngine(store, nil, suggester, nil)
	svc := post(t, engine, campinas, saoPaulo, 1500)

	got, err := suggester.Suggest(ctx, Query{From: &campinas, IntendedDest: &saoPaulo})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, svc.ID, got[0].ServiceID)
}

func TestPolarOriginSkipsIndex(t *testing.T) {
	pole := types.Point{Lat: 89, Lng: 10}
	assert.False(t, geoStorable(pole))
	assert.True(t, geoStorable(campinas))
	assert.True(t, geoStorable(types.Point{Lat: -85.05, Lng: 0}))

	ctx := context.Background()
	store := negotiation.NewMemoryStore()
	idx := &fakeIndex{}
	suggester := NewService(store, nil, idx, Config{}, nil)
	engine := negotiation.NewEngine(store, nil, suggester, nil)
	svc := post(t, engine, types.Point{Lat: 88.5, Lng: 12}, pole, 1500)

	got, err := suggester.Suggest(ctx, Query{From: &pole, IntendedDest: &pole, RadiusKm: 300})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, svc.ID, got[0].ServiceID)
	assert.Zero(t, idx.lookups, "a query point Redis cannot store is answered from the listing")
}

func TestRedisIndex(t *testing.T) {
	addr := os.Getenv("FREIGHT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FREIGHT_TEST_REDIS_ADDR not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	idx := NewIndex(rdb)
	require.NoError(t, idx.Rebuild(ctx, []OpenService{
		{ID: "near", Origin: types.Point{Lat: -22.91, Lng: -47.05}},
		{ID: "far", Origin: types.Point{Lat: -3.73, Lng: -38.52}},
	}))

	ids, err := idx.Nearby(ctx, campinas, 50)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"near"}, ids)

	require.NoError(t, idx.Unindex(ctx, "near"))
	require.NoError(t, idx.IndexOpen(ctx, "other", types.Point{Lat: -22.95, Lng: -47.10}))
	ids, err = idx.Nearby(ctx, campinas, 50)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"other"}, ids)

	require.NoError(t, idx.IndexOpen(ctx, "pole", types.Point{Lat: 89, Lng: 10}))
	ids, err = idx.Nearby(ctx, campinas, 50)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"other", "pole"}, ids, "polar services are always candidates")

	require.NoError(t, idx.Add(ctx, []OpenService{{ID: "late", Origin: types.Point{Lat: -22.92, Lng: -47.07}}}))
	require.NoError(t, idx.Unindex(ctx, "pole"))
	ids, err = idx.Nearby(ctx, campinas, 50)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"other", "late"}, ids)
}
