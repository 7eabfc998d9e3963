// README: Smoke cases: environment checks, the full shipper/driver flow, error mapping, the accept race and a listing load check.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"freight/internal/infra"
	"freight/internal/modules/backhaul"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	tokenTTL = time.Hour
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	run     string
	shipper string
	driver  string

	// filled in while the flow cases run
	serviceID string
	counterID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("FREIGHT_JWT_SECRET (or -jwt-secret) is required; start the API with FREIGHT_AUTH_PROVIDER=jwt")
	}
	r := &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
	var err error
	if r.shipper, err = r.token("shipper", "SHIPPER"); err != nil {
		return nil, err
	}
	if r.driver, err = r.token("driver", "DRIVER"); err != nil {
		return nil, err
	}
	return r, nil
}

// token mints a token for a user scoped to this run so repeated runs never collide.
func (r *Runner) token(name, role string) (string, error) {
	return infra.MintJWT(r.cfg.JWTSecret, r.uid(name), role, tokenTTL)
}

func (r *Runner) uid(name string) string {
	return "smoke-" + r.run + "-" + name
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkDB},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK, nil)
		}},

		{Name: "Flow: shipper posts service", Run: postService},
		{Name: "Flow: service listed near origin", Run: listedNearOrigin},
		{Name: "Index: open service in redis", Run: indexedInRedis},
		{Name: "Flow: driver counters", Run: counterOffer},
		{Name: "Flow: shipper accepts counter", Run: acceptCounter},
		{Name: "Index: accepted service left redis", Run: unindexedFromRedis},
		{Name: "Flow: driver collects", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/assignments/"+r.serviceID+"/collect", r.driver, nil, http.StatusOK, nil)
		}},
		{Name: "Flow: driver delivers", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/assignments/"+r.serviceID+"/deliver", r.driver, nil, http.StatusOK, nil)
		}},
		{Name: "Consistency: five status events, version 4", Run: checkEvents},

		{Name: "Error: no token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/me", "", nil, http.StatusUnauthorized, nil)
		}},
		{Name: "Error: driver posts service -> 403", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/services", r.driver, servicePayload(1800), http.StatusForbidden, nil)
		}},
		{Name: "Error: missing fields -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/services", r.shipper, map[string]any{}, http.StatusBadRequest, nil)
		}},
		{Name: "Error: unknown service -> 404", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/services/"+uuid.NewString(), "", nil, http.StatusNotFound, nil)
		}},
		{Name: "Error: deliver twice -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/assignments/"+r.serviceID+"/deliver", r.driver, nil, http.StatusConflict, nil)
		}},

		{Name: "Concurrency: drivers race to accept", Run: concurrentAccept},
		{Name: "Backhaul: suggestion from stored intent", Run: backhaulFromIntent},
		{Name: "Perf: public listing throughput", Run: perfList},
	}
}

func checkDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

func postService(ctx context.Context, r *Runner) Result {
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	res := r.expect(ctx, http.MethodPost, "/api/services", r.shipper, servicePayload(1800), http.StatusCreated, &out)
	if res.Status != statusPass {
		return res
	}
	if out.Status != "PUBLICADO" {
		return Result{Status: statusFail, Note: "status=" + out.Status}
	}
	r.serviceID = out.ID
	return res
}

func listedNearOrigin(ctx context.Context, r *Runner) Result {
	var out []struct {
		ID string `json:"id"`
	}
	res := r.expect(ctx, http.MethodGet, "/services?near_lat=-23.55&near_lng=-46.63&radius_km=5", "", nil, http.StatusOK, &out)
	if res.Status != statusPass {
		return res
	}
	for _, s := range out {
		if s.ID == r.serviceID {
			return res
		}
	}
	return Result{Status: statusFail, Note: "posted service not listed"}
}

func indexedInRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	err := r.redis.ZScore(ctx, backhaul.OpenServicesKey, r.serviceID).Err()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func unindexedFromRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	err := r.redis.ZScore(ctx, backhaul.OpenServicesKey, r.serviceID).Err()
	if errors.Is(err, redis.Nil) {
		return Result{Status: statusPass}
	}
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusFail, Note: "service still indexed"}
}

func counterOffer(ctx context.Context, r *Runner) Result {
	var out struct {
		Offer struct {
			ID string `json:"id"`
		} `json:"offer"`
		Service struct {
			Status string `json:"status"`
		} `json:"service"`
	}
	body := map[string]any{"kind": "COUNTER", "price": 2000, "message": "diesel went up"}
	res := r.expect(ctx, http.MethodPost, "/api/services/"+r.serviceID+"/offers", r.driver, body, http.StatusCreated, &out)
	if res.Status != statusPass {
		return res
	}
	if out.Service.Status != "EM_NEGOCIACAO" {
		return Result{Status: statusFail, Note: "status=" + out.Service.Status}
	}
	r.counterID = out.Offer.ID
	return res
}

func acceptCounter(ctx context.Context, r *Runner) Result {
	var out struct {
		Assignment *struct {
			DriverID string `json:"driver_user_id"`
		} `json:"assignment"`
	}
	res := r.expect(ctx, http.MethodPost, "/api/offers/"+r.counterID+"/accept", r.shipper, nil, http.StatusOK, &out)
	if res.Status != statusPass {
		return res
	}
	if out.Assignment == nil || out.Assignment.DriverID != r.uid("driver") {
		return Result{Status: statusFail, Note: "assignment missing or for the wrong driver"}
	}
	return res
}

func checkEvents(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	var events, version int
	err := r.db.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM service_state_events WHERE service_id=$1), status_version FROM services WHERE id=$1",
		r.serviceID,
	).Scan(&events, &version)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if events != 5 || version != 4 {
		return Result{Status: statusFail, Note: fmt.Sprintf("events=%d version=%d", events, version)}
	}
	return Result{Status: statusPass}
}

// concurrentAccept posts a fresh service and lets every racer submit an ACCEPT
// at once. Exactly one may win; the rest must see 409.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	var svc struct {
		ID string `json:"id"`
	}
	if res := r.expect(ctx, http.MethodPost, "/api/services", r.shipper, servicePayload(1500), http.StatusCreated, &svc); res.Status != statusPass {
		return res
	}

	tokens := make([]string, r.cfg.Concurrency)
	for i := range tokens {
		tok, err := r.token(fmt.Sprintf("racer%d", i), "DRIVER")
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		tokens[i] = tok
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		conflict int
		other    []int
	)
	start := make(chan struct{})
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			<-start
			code, _, err := r.do(ctx, http.MethodPost, "/api/services/"+svc.ID+"/offers", tok, map[string]any{"kind": "ACCEPT", "price": 1500})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other = append(other, 0)
			case code == http.StatusCreated:
				won++
			case code == http.StatusConflict:
				conflict++
			default:
				other = append(other, code)
			}
		}(tok)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("won=%d conflict=%d other=%v", won, conflict, other)
	if won != 1 || len(other) > 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func backhaulFromIntent(ctx context.Context, r *Runner) Result {
	now := time.Now().UTC()
	intent := map[string]any{
		"current_lat":           -22.90,
		"current_lng":           -47.06,
		"intended_dest_lat":     -23.55,
		"intended_dest_lng":     -46.63,
		"intended_dest_address": "Sao Paulo",
		"available_from":        now,
		"available_to":          now.Add(8 * time.Hour),
	}
	if res := r.expect(ctx, http.MethodPost, "/api/driver/intent", r.driver, intent, http.StatusOK, nil); res.Status != statusPass {
		return res
	}

	body := servicePayload(1700)
	body["origin_lat"], body["origin_lng"] = -22.91, -47.05
	body["dest_lat"], body["dest_lng"] = -23.56, -46.64
	var back struct {
		ID string `json:"id"`
	}
	if res := r.expect(ctx, http.MethodPost, "/api/services", r.shipper, body, http.StatusCreated, &back); res.Status != statusPass {
		return res
	}

	var out []struct {
		ServiceID string  `json:"service_id"`
		Score     float64 `json:"score"`
	}
	res := r.expect(ctx, http.MethodGet, "/drivers/"+r.uid("driver")+"/backhaul_suggestions?radius_km=50", r.driver, nil, http.StatusOK, &out)
	if res.Status != statusPass {
		return res
	}
	for _, s := range out {
		if s.ServiceID == back.ID {
			res.Note = fmt.Sprintf("suggestions=%d score=%.2f", len(out), s.Score)
			return res
		}
	}
	return Result{Status: statusFail, Note: fmt.Sprintf("return load not suggested among %d", len(out))}
}

func perfList(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count, errCount int64
		mu              sync.Mutex
		wg              sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.do(ctx, http.MethodGet, "/services?near_lat=-23.55&near_lng=-46.63", "", nil)
				mu.Lock()
				if err != nil || code != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

// expect performs a request, checks the status code and optionally decodes the body into out.
func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int, out any) Result {
	start := time.Now()
	code, raw, err := r.do(ctx, method, path, token, body)
	latency := time.Since(start)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if code != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d body=%s", code, want, truncate(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Result{Status: statusFail, Latency: latency, Note: "decode: " + err.Error()}
		}
	}
	return Result{Status: statusPass, Latency: latency}
}

func (r *Runner) do(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func servicePayload(price float64) map[string]any {
	pickup := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	return map[string]any{
		"title":                 "Smoke pallets",
		"description":           "12 pallets of dry cargo",
		"service_type":          "truck",
		"origin_address":        "Sao Paulo",
		"origin_lat":            -23.55,
		"origin_lng":            -46.63,
		"dest_address":          "Campinas",
		"dest_lat":              -22.90,
		"dest_lng":              -47.06,
		"pickup_window_start":   pickup,
		"pickup_window_end":     pickup.Add(4 * time.Hour),
		"delivery_window_start": pickup.Add(6 * time.Hour),
		"delivery_window_end":   pickup.Add(10 * time.Hour),
		"offered_price":         price,
	}
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
