package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/scheduling-rule-engine/internal/api"
	"github.com/hackgods/scheduling-rule-engine/internal/config"
	"github.com/hackgods/scheduling-rule-engine/internal/db"
	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/pattern"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	EvalRatio    float64
	BookingRatio float64
	ConfirmRatio float64
	BatchSize    int
	SlotLimit    int
	PostgresDSN  string
}

// DataPool holds what workers pick from: clinic slots for evaluation, the
// clinic patterns to search and the reservations created so far.
type DataPool struct {
	Slots    map[string][]evaluator.Slot
	Patterns map[string][]string
	Clinics  []string

	mu           sync.Mutex
	reservations []uuid.UUID
}

func (dp *DataPool) AddReservation(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.reservations = append(dp.reservations, id)
}

// TakeReservation removes and returns a random reservation.
func (dp *DataPool) TakeReservation(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.reservations) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.reservations))
	id := dp.reservations[idx]
	dp.reservations[idx] = dp.reservations[len(dp.reservations)-1]
	dp.reservations = dp.reservations[:len(dp.reservations)-1]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), pct(99)
}

type Metrics struct {
	Evaluate OperationMetrics
	Search   OperationMetrics
	Reserve  OperationMetrics
	Confirm  OperationMetrics
	Cancel   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *logger.Logger
	metrics Metrics
}

func main() {
	cfg, baseCfg := loadConfig()

	log, err := logger.New(baseCfg.Env, baseCfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid simulator config", "error", err)
	}
	log.Info("simulator starting",
		"duration", cfg.Duration,
		"workers", cfg.Workers,
		"evaluate", cfg.EvalRatio,
		"booking", cfg.BookingRatio,
		"confirm", cfg.ConfirmRatio,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", "error", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", "error", err)
	}
	log.Info("data pool loaded", "clinics", len(dataPool.Clinics))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		EvalRatio:    getFloat("SIM_EVAL_RATIO", 0.5),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.3),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.2),
		BatchSize:    getInt("SIM_BATCH_SIZE", 50),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 2000),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.EvalRatio + cfg.BookingRatio + cfg.ConfirmRatio
	if total > 0 {
		cfg.EvalRatio /= total
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
	}
	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("SIM_BATCH_SIZE must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{
		Slots:    map[string][]evaluator.Slot{},
		Patterns: map[string][]string{},
	}

	rows, err := pool.Query(ctx, `
		SELECT sl.id, sl.clinic_id, sl.doctor_id, sl.room_id, rm.room_type, sl.start_time, sl.end_time
		FROM appointment_slots sl
		JOIN rooms rm ON rm.id = sl.room_id
		WHERE sl.status = 'open' AND sl.start_time > now()
		ORDER BY sl.start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s evaluator.Slot
		if err := rows.Scan(&s.ID, &s.ClinicID, &s.DoctorID, &s.RoomID, &s.RoomType, &s.StartTime, &s.EndTime); err != nil {
			rows.Close()
			return nil, err
		}
		s.Available = true
		dp.Slots[s.ClinicID] = append(dp.Slots[s.ClinicID], s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pool.Query(ctx, `SELECT id, clinic_id FROM visit_patterns WHERE clinic_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	for rows.Next() {
		var id, clinicID string
		if err := rows.Scan(&id, &clinicID); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patterns[clinicID] = append(dp.Patterns[clinicID], id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for clinicID := range dp.Slots {
		dp.Clinics = append(dp.Clinics, clinicID)
	}
	sort.Strings(dp.Clinics)
	if len(dp.Clinics) == 0 {
		return nil, fmt.Errorf("no open slots loaded, run the seed first")
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		clinicID := s.pool.Clinics[rng.Intn(len(s.pool.Clinics))]
		r := rng.Float64()
		switch {
		case r < s.config.EvalRatio:
			s.doEvaluate(ctx, rng, clinicID)
		case r < s.config.EvalRatio+s.config.BookingRatio:
			s.doBooking(ctx, rng, clinicID)
		default:
			s.doFinish(ctx, rng)
		}
	}
}

func (s *Simulator) doEvaluate(ctx context.Context, rng *rand.Rand, clinicID string) {
	slots := s.pool.Slots[clinicID]
	n := s.config.BatchSize
	if n > len(slots) {
		n = len(slots)
	}
	offset := 0
	if len(slots) > n {
		offset = rng.Intn(len(slots) - n)
	}

	req := api.EvaluateBatchRequest{
		Context: evaluator.Context{ClinicID: clinicID, PatientID: gofakeit.UUID()},
		Slots:   slots[offset : offset+n],
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/evaluate/batch", req, nil)
	s.metrics.Evaluate.Record(latency, err == nil && status == http.StatusOK, false)
}

// doBooking searches a clinic pattern and reserves the best slot set.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, clinicID string) {
	patterns := s.pool.Patterns[clinicID]
	if len(patterns) == 0 {
		return
	}
	patternID := patterns[rng.Intn(len(patterns))]

	now := time.Now().UTC()
	search := api.PatternSearchRequest{
		Context:    evaluator.Context{ClinicID: clinicID, PatientID: gofakeit.UUID()},
		Start:      now,
		End:        now.AddDate(0, 0, 30),
		MaxResults: 3,
	}
	var found api.PatternSearchResponse
	status, latency, err := s.call(ctx, http.MethodPost, "/patterns/"+patternID+"/search", search, &found)
	s.metrics.Search.Record(latency, err == nil && status == http.StatusOK, false)
	if err != nil || status != http.StatusOK || len(found.SlotSets) == 0 {
		return
	}

	reserve := api.ReserveRequest{
		SlotSet:      found.SlotSets[0],
		PatientID:    search.Context.PatientID,
		HoldMinutes:  5,
		ClientHoldID: uuid.NewString(),
	}
	var res pattern.Reservation
	status, latency, err = s.call(ctx, http.MethodPost, "/reservations", reserve, &res)
	s.metrics.Reserve.Record(latency, err == nil && status == http.StatusCreated, status == http.StatusConflict)
	if err == nil && status == http.StatusCreated {
		s.pool.AddReservation(res.ID)
	}
}

// doFinish confirms most held reservations and cancels the rest.
func (s *Simulator) doFinish(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeReservation(rng)
	if !ok {
		return
	}

	if rng.Float64() < 0.8 {
		status, latency, err := s.call(ctx, http.MethodPost, "/reservations/"+id.String()+"/confirm", nil, nil)
		s.metrics.Confirm.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
		return
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/reservations/"+id.String()+"/cancel", api.CancelRequest{Reason: "simulated"}, nil)
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Evaluate batch", &s.metrics.Evaluate)
	printOperationReport("Pattern search", &s.metrics.Search)
	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
