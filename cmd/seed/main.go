package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/scheduling-rule-engine/internal/config"
	"github.com/hackgods/scheduling-rule-engine/internal/db"
	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

const orgID = "org-1"

var (
	roomTypes = []string{"operatory", "surgery", "consult", "hygiene"}
	equipment = []string{"xray", "cbct", "laser", "microscope", "nitrous"}
)

type service struct {
	id        string
	name      string
	minutes   int
	roomTypes []string
}

var services = []service{
	{id: "cleaning", name: "Cleaning", minutes: 30, roomTypes: []string{"hygiene"}},
	{id: "consult", name: "Consultation", minutes: 30, roomTypes: []string{"consult", "operatory"}},
	{id: "implant-surgery", name: "Implant surgery", minutes: 90, roomTypes: []string{"surgery"}},
	{id: "implant-check", name: "Implant check", minutes: 30, roomTypes: []string{"operatory", "consult"}},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	clinics := envInt("SEED_CLINICS", 3)
	doctors := envInt("SEED_DOCTORS", 5)
	days := envInt("SEED_DAYS", 30)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", "error", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	log.Info("seed starting", "clinics", clinics, "doctors_per_clinic", doctors, "days", days)

	if err := seedGlobal(ctx, pool); err != nil {
		log.Fatal("seed global rules", "error", err)
	}
	for c := 1; c <= clinics; c++ {
		clinicID := fmt.Sprintf("clinic-%d", c)
		if err := seedClinic(ctx, pool, clinicID, doctors, days); err != nil {
			log.Fatal("seed clinic", "clinic_id", clinicID, "error", err)
		}
		log.Info("clinic seeded", "clinic_id", clinicID)
	}

	log.Info("seed complete")
}

func seedGlobal(ctx context.Context, pool *pgxpool.Pool) error {
	return db.InTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organizations (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, orgID, gofakeit.Company()); err != nil {
			return err
		}

		if err := insertRule(ctx, tx, ruleRow{
			id: "global-workload", name: "max-daily-workload", scope: policy.ScopeGlobal,
			ruleType: policy.RuleHardConstraint, precedence: 1500,
			condition: policy.WorkloadCondition{MaxDailyAppointments: 14},
			action:    policy.Action{Kind: policy.ActionReject, Message: "doctor is fully booked that day"},
		}); err != nil {
			return err
		}
		return insertRule(ctx, tx, ruleRow{
			id: "org-hours", name: "business-hours", scope: policy.ScopeOrganization, scopeID: orgID,
			ruleType: policy.RuleHardConstraint, precedence: 1100,
			condition: policy.TimeRangeCondition{StartHour: 8, EndHour: 18, Weekdays: []int{1, 2, 3, 4, 5}},
			action:    policy.Action{Kind: policy.ActionReject, Message: "outside business hours"},
		})
	})
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool, clinicID string, doctorCount, days int) error {
	return db.InTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO clinics (id, organization_id, name, timezone)
			VALUES ($1, $2, $3, 'UTC')
			ON CONFLICT (id) DO NOTHING
		`, clinicID, orgID, gofakeit.Company()+" Dental"); err != nil {
			return err
		}

		rooms := make([]string, 0, 2*len(roomTypes))
		roomType := map[string]string{}
		for i := 0; i < 2*len(roomTypes); i++ {
			id := fmt.Sprintf("%s-room-%d", clinicID, i+1)
			rt := roomTypes[i%len(roomTypes)]
			kit := pickSome(equipment, gofakeit.Number(0, 3))
			if _, err := tx.Exec(ctx, `
				INSERT INTO rooms (id, clinic_id, room_type, equipment, daily_capacity)
				VALUES ($1, $2, $3, $4, $5)
			`, id, clinicID, rt, kit, gofakeit.Number(8, 16)); err != nil {
				return err
			}
			rooms = append(rooms, id)
			roomType[id] = rt
		}

		for _, s := range services {
			if _, err := tx.Exec(ctx, `
				INSERT INTO services (id, clinic_id, name, duration_minutes, required_room_types)
				VALUES ($1, $2, $3, $4, $5)
			`, clinicID+"-"+s.id, clinicID, s.name, s.minutes, s.roomTypes); err != nil {
				return err
			}
		}

		start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
		for d := 0; d < doctorCount; d++ {
			doctorID := fmt.Sprintf("%s-doc-%d", clinicID, d+1)
			if _, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, clinic_id, name) VALUES ($1, $2, $3)
			`, doctorID, clinicID, "Dr. "+gofakeit.LastName()); err != nil {
				return err
			}

			authorized := pickSome(rooms, 4)
			for rank, roomID := range authorized {
				if _, err := tx.Exec(ctx, `
					INSERT INTO doctors_rooms (doctor_id, room_id) VALUES ($1, $2)
				`, doctorID, roomID); err != nil {
					return err
				}
				if rank < 2 {
					if _, err := tx.Exec(ctx, `
						INSERT INTO doctor_preferred_rooms (doctor_id, room_id, rank) VALUES ($1, $2, $3)
					`, doctorID, roomID, rank); err != nil {
						return err
					}
				}
			}

			if err := seedSlots(ctx, tx, clinicID, doctorID, authorized, start, days); err != nil {
				return err
			}
		}

		if err := seedClinicRules(ctx, tx, clinicID); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO sync_status (clinic_id, source, status, last_synced_at)
			VALUES ($1, 'calendar', $2, now()), ($1, 'emr', $2, now())
			ON CONFLICT (clinic_id, source) DO UPDATE SET status = EXCLUDED.status, last_synced_at = now()
		`, clinicID, policy.SyncSuccess)
		return err
	})
}

// seedSlots opens a 90 minute block each weekday morning followed by 30
// minute slots until five.
func seedSlots(ctx context.Context, tx pgx.Tx, clinicID, doctorID string, rooms []string, start time.Time, days int) error {
	batch := &pgx.Batch{}
	for day := 0; day < days; day++ {
		date := start.AddDate(0, 0, day)
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			continue
		}

		open := date.Add(8 * time.Hour)
		queueSlot(batch, clinicID, doctorID, rooms[gofakeit.Number(0, len(rooms)-1)], open, 90*time.Minute)
		for t := date.Add(10 * time.Hour); t.Before(date.Add(17 * time.Hour)); t = t.Add(30 * time.Minute) {
			queueSlot(batch, clinicID, doctorID, rooms[gofakeit.Number(0, len(rooms)-1)], t, 30*time.Minute)
		}
	}
	return tx.SendBatch(ctx, batch).Close()
}

func queueSlot(batch *pgx.Batch, clinicID, doctorID, roomID string, start time.Time, d time.Duration) {
	id := fmt.Sprintf("%s-%s", doctorID, start.Format("20060102T1504"))
	batch.Queue(`
		INSERT INTO appointment_slots (id, clinic_id, doctor_id, room_id, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, clinicID, doctorID, roomID, start, start.Add(d))
}

func seedClinicRules(ctx context.Context, tx pgx.Tx, clinicID string) error {
	bonus := 15.0
	penalty := 5.0
	implant := policy.VisitPattern{
		ID:   clinicID + "-implant",
		Name: "Implant course",
		Visits: []policy.Visit{
			{Name: "surgery", DurationMinutes: 90, ServiceID: clinicID + "-implant-surgery"},
			{Name: "check", DurationMinutes: 30, ServiceID: clinicID + "-implant-check", Offset: &policy.Offset{MinDays: 7, MaxDays: 14}},
		},
		SameDoctor: true,
	}

	rules := []ruleRow{
		{
			id: clinicID + "-room-fit", name: "room-type-match", scope: policy.ScopeClinic, scopeID: clinicID,
			ruleType: policy.RuleHardConstraint, precedence: 500,
			condition: policy.RoomTypeMatchCondition{},
			action:    policy.Action{Kind: policy.ActionReject, Message: "room type does not fit the service"},
		},
		{
			id: clinicID + "-doctor-room", name: "doctor-room-authorization", scope: policy.ScopeClinic, scopeID: clinicID,
			ruleType: policy.RuleHardConstraint, precedence: 400,
			condition: policy.DoctorRoomCondition{},
			action:    policy.Action{Kind: policy.ActionReject, Message: "doctor is not authorized for this room"},
		},
		{
			id: clinicID + "-buffer", name: "doctor-buffer", scope: policy.ScopeClinic, scopeID: clinicID,
			ruleType: policy.RuleHardConstraint, precedence: 1200,
			condition: policy.BufferTimeCondition{BeforeMinutes: 10, AfterMinutes: 10},
			action:    policy.Action{Kind: policy.ActionReject},
		},
		{
			id: clinicID + "-preferred-room", name: "preferred-room", scope: policy.ScopeClinic, scopeID: clinicID,
			ruleType: policy.RuleSoftPreference, precedence: 6000,
			condition: policy.PreferredRoomCondition{},
			action:    policy.Action{Kind: policy.ActionScore, ScoreModifier: &bonus, Penalty: &penalty},
		},
		{
			id: clinicID + "-balance", name: "utilization-balance", scope: policy.ScopeClinic, scopeID: clinicID,
			ruleType: policy.RuleSoftPreference, precedence: 6500,
			condition: policy.UtilizationBalancingCondition{Threshold: 0.8},
			action:    policy.Action{Kind: policy.ActionScore},
		},
		{
			id: clinicID + "-surgery-kit", name: "surgery-equipment", scope: policy.ScopeService, scopeID: clinicID + "-implant-surgery",
			ruleType: policy.RuleHardConstraint, precedence: 700,
			condition: policy.EquipmentCondition{Required: []string{"cbct"}},
			action:    policy.Action{Kind: policy.ActionReject, Message: "implant surgery needs a CBCT room"},
		},
		{
			id: implant.ID, name: "implant-course", scope: policy.ScopeClinic, scopeID: clinicID,
			ruleType: policy.RuleMultiVisitPattern, precedence: 9000,
			pattern: &implant,
		},
	}
	for _, r := range rules {
		r.clinicID = clinicID
		if err := insertRule(ctx, tx, r); err != nil {
			return err
		}
	}

	visits, err := json.Marshal(implant.Visits)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO visit_patterns (id, clinic_id, name, visits, same_doctor, same_location)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, implant.ID, clinicID, implant.Name, visits, implant.SameDoctor, implant.SameLocation)
	return err
}

type ruleRow struct {
	id         string
	clinicID   string
	name       string
	scope      policy.Scope
	scopeID    string
	ruleType   policy.RuleType
	precedence int
	condition  policy.Condition
	action     policy.Action
	pattern    *policy.VisitPattern
}

func insertRule(ctx context.Context, tx pgx.Tx, r ruleRow) error {
	condition := []byte("{}")
	if r.condition != nil {
		encoded, err := policy.EncodeCondition(r.condition)
		if err != nil {
			return fmt.Errorf("encode condition of %s: %w", r.id, err)
		}
		condition = encoded
	}
	action, err := json.Marshal(r.action)
	if err != nil {
		return err
	}
	var pattern []byte
	if r.pattern != nil {
		if pattern, err = json.Marshal(r.pattern); err != nil {
			return err
		}
	}

	var clinicID *string
	if r.clinicID != "" {
		clinicID = &r.clinicID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO rules (id, clinic_id, name, scope, scope_id, rule_type, precedence, condition, action, pattern)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.id, clinicID, r.name, r.scope, r.scopeID, r.ruleType, r.precedence, condition, action, pattern)
	return err
}

func pickSome(from []string, n int) []string {
	if n > len(from) {
		n = len(from)
	}
	idx := make([]int, len(from))
	for i := range idx {
		idx[i] = i
	}
	gofakeit.ShuffleInts(idx)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = from[idx[i]]
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
