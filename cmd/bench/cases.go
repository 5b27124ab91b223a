// README: Smoke cases for the ridelink API: environment, auth, trip flow, consistency, concurrency and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// tripID is the trip created by the intake case, shared with later cases.
	tripID string
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

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
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

var (
	pickup = map[string]any{"address": "Connaught Place, New Delhi", "lat": 28.6315, "lng": 77.2167}
	drop   = map[string]any{"address": "Cyber City, Gurugram, Haryana", "lat": 28.4950, "lng": 77.0895}
)

func pointToPoint() map[string]any {
	return map[string]any{
		"kind":          "POINT_TO_POINT",
		"vehicle_class": "mini",
		"pickup":        pickup,
		"drop":          drop,
		"payment_mode":  "CASH",
	}
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	driverLocation := base + "/api/drivers/" + r.cfg.DriverID + "/location"
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
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
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
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
				return Result{Status: statusPass}
			},
		},

		httpCase("API: health", http.MethodGet, base+"/health", nil, "", http.StatusOK),
		httpCase("API: metrics exposed", http.MethodGet, base+"/metrics", nil, "", http.StatusOK),
		httpCase("Auth: intake without token -> 401", http.MethodPost, base+"/api/trips", pointToPoint(), "", http.StatusUnauthorized),

		// Trip flow
		{
			Name: "Trip: request point-to-point",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.RiderToken == "" {
					return Result{Status: statusSkip, Note: "no rider token"}
				}
				status, body, latency, err := r.do(ctx, http.MethodPost, base+"/api/trips", pointToPoint(), r.cfg.RiderToken)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if status != http.StatusCreated {
					return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
				}
				var created struct {
					Trip struct {
						ID string `json:"id"`
					} `json:"trip"`
					Quote struct {
						Amount int64 `json:"amount"`
					} `json:"quote"`
				}
				if err := json.Unmarshal(body, &created); err != nil || created.Trip.ID == "" {
					return Result{Status: statusFail, Latency: latency, Note: "response has no trip id"}
				}
				r.tripID = created.Trip.ID
				return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("trip=%s quote=%d", r.tripID, created.Quote.Amount)}
			},
		},
		tripCase("Trip: second active request -> 409", http.MethodPost, func(string) string { return base + "/api/trips" }, pointToPoint(), http.StatusConflict),
		riderCase("Trip: rental with drop -> 400", http.MethodPost, base+"/api/trips", map[string]any{
			"kind":          "TIME_BOXED_RENTAL",
			"vehicle_class": "mini",
			"pickup":        pickup,
			"drop":          drop,
			"package_hours": 2,
		}, http.StatusBadRequest),
		tripCase("Trip: read", http.MethodGet, func(id string) string { return base + "/api/trips/" + id }, nil, http.StatusOK),
		tripCase("Trip: settle while searching -> 409", http.MethodPost, func(id string) string { return base + "/api/trips/" + id + "/transitions" },
			map[string]any{"status": "PAYMENT_COMPLETED", "cash_ack": true}, http.StatusConflict),
		tripCase("Trip: requester cancels while searching", http.MethodPost, func(id string) string { return base + "/api/trips/" + id + "/transitions" },
			map[string]any{"status": "CANCELLED", "reason": "bench"}, http.StatusOK),
		{
			Name: "Consistency: events and status_version agree",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil || r.tripID == "" {
					return Result{Status: statusSkip, Note: "needs db and a created trip"}
				}
				var version, events int
				var status string
				err := r.db.QueryRow(ctx, `
					SELECT t.status, t.status_version, (SELECT COUNT(*) FROM trip_events e WHERE e.trip_id = t.id)
					FROM trips t WHERE t.id = $1`, r.tripID).Scan(&status, &version, &events)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if status != "CANCELLED" {
					return Result{Status: statusFail, Note: "status=" + status}
				}
				// One event for creation plus one per version bump.
				if events != version+1 {
					return Result{Status: statusFail, Note: fmt.Sprintf("events=%d version=%d", events, version)}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("events=%d", events)}
			},
		},
		tripCase("Trip: cancelled cannot cancel again -> 409", http.MethodPost, func(id string) string { return base + "/api/trips/" + id + "/transitions" },
			map[string]any{"status": "CANCELLED"}, http.StatusConflict),

		// Driver side
		driverCase("Driver: presence update", http.MethodPut, driverLocation,
			map[string]any{"lat": 28.6300, "lng": 77.2200, "online": true, "vehicle_class": "mini"}, http.StatusOK),
		driverCase("Driver: invalid coords -> 400", http.MethodPut, driverLocation,
			map[string]any{"lat": 123.0, "lng": 456.0, "online": true}, http.StatusBadRequest),
		driverCase("Driver: respond to trip never offered -> 403", http.MethodPost, base+"/api/drivers/trips/never-offered/respond",
			map[string]any{"accepted": true}, http.StatusForbidden),

		// Concurrency
		{
			Name: "Concurrency: parallel requests create at most one trip",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.RiderToken == "" {
					return Result{Status: statusSkip, Note: "no rider token"}
				}
				return concurrentCreate(ctx, r, base+"/api/trips")
			},
		},

		// Performance
		{
			Name: "Perf: driver presence throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.DriverToken == "" || r.cfg.DriverID == "" {
					return Result{Status: statusSkip, Note: "no driver token"}
				}
				return perfLoad(ctx, r, http.MethodPut, driverLocation,
					map[string]any{"lat": 28.6300, "lng": 77.2200, "online": true, "vehicle_class": "mini"})
			},
		},
	}
}

// do sends a JSON request and returns the status and body.
func (r *Runner) do(ctx context.Context, method, url string, body any, token string) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, time.Since(start), err
}

func httpCase(name, method, url string, body any, token string, okStatuses ...int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, method, url, body, token, okStatuses)
		},
	}
}

func riderCase(name, method, url string, body any, okStatuses ...int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.RiderToken == "" {
				return Result{Status: statusSkip, Note: "no rider token"}
			}
			return r.expect(ctx, method, url, body, r.cfg.RiderToken, okStatuses)
		},
	}
}

// tripCase runs against the trip created earlier, as the rider.
func tripCase(name, method string, url func(tripID string) string, body any, okStatuses ...int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.RiderToken == "" || r.tripID == "" {
				return Result{Status: statusSkip, Note: "needs rider token and a created trip"}
			}
			return r.expect(ctx, method, url(r.tripID), body, r.cfg.RiderToken, okStatuses)
		},
	}
}

func driverCase(name, method, url string, body any, okStatuses ...int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.DriverToken == "" || r.cfg.DriverID == "" {
				return Result{Status: statusSkip, Note: "no driver token"}
			}
			return r.expect(ctx, method, url, body, r.cfg.DriverToken, okStatuses)
		},
	}
}

func (r *Runner) expect(ctx context.Context, method, url string, body any, token string, okStatuses []int) Result {
	status, _, latency, err := r.do(ctx, method, url, body, token)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("status=%d", status)
	if contains(okStatuses, status) {
		return Result{Status: statusPass, Latency: latency, Note: note}
	}
	return Result{Status: statusFail, Latency: latency, Note: note}
}

func concurrentCreate(ctx context.Context, r *Runner, url string) Result {
	var wg sync.WaitGroup
	var created, conflicts atomic.Int64
	start := make(chan struct{})

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			status, _, _, err := r.do(ctx, http.MethodPost, url, pointToPoint(), r.cfg.RiderToken)
			if err != nil {
				return
			}
			switch status {
			case http.StatusCreated:
				created.Add(1)
			case http.StatusConflict:
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("created=%d conflicts=%d", created.Load(), conflicts.Load())
	if created.Load() <= 1 {
		return Result{Status: statusPass, Note: note}
	}
	return Result{Status: statusFail, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, url string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, _, err := r.do(ctx, method, url, payload, r.cfg.DriverToken)
				if err != nil || status >= 300 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
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
