package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lox/floodbayes/internal/flood"
	"github.com/lox/floodbayes/internal/models"
	"github.com/lox/floodbayes/internal/store"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, db, err := openStore(filepath.Join(t.TempDir(), "floodbayes.db"))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return st
}

func TestClassifyCmd_Validate(t *testing.T) {
	day := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		cmd     ClassifyCmd
		wantErr bool
	}{
		{"single day", ClassifyCmd{From: day, To: day}, false},
		{"with bbox", ClassifyCmd{From: day, To: day.AddDate(0, 0, 3), BBox: []float64{16, 48, 17, 49}}, false},
		{"short bbox", ClassifyCmd{From: day, To: day, BBox: []float64{16, 48}}, true},
		{"inverted window", ClassifyCmd{From: day, To: day.AddDate(0, 0, -1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenStore_Migrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floodbayes.db")
	st, db, err := openStore(path)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer db.Close()

	if err := (&ModelsCmd{}).Run(st); err != nil {
		t.Errorf("models on empty store: %v", err)
	}
	if err := (&ImportsCmd{Limit: 5}).Run(st); err != nil {
		t.Errorf("imports on empty store: %v", err)
	}
}

func TestRunsAndDecisionsCmd(t *testing.T) {
	st := testStore(t)
	at := time.Date(2023, 3, 1, 5, 17, 0, 0, time.UTC)
	run := models.ClassificationRun{ID: "run-1", StartedAt: at, WindowStart: at, WindowEnd: at, Prior: 0.5}
	if err := st.InsertRun(run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	if err := st.InsertDecisions([]models.FloodDecision{
		{RunID: "run-1", LocationID: "a", ObservedAt: at, FloodPosterior: sql.NullFloat64{Float64: 0.97, Valid: true}, NonFloodPosterior: sql.NullFloat64{Float64: 0.03, Valid: true}, Decision: int(flood.Flood)},
		{RunID: "run-1", LocationID: "b", ObservedAt: at, Decision: int(flood.Missing)},
	}); err != nil {
		t.Fatalf("InsertDecisions: %v", err)
	}
	run.FinishedAt = sql.NullTime{Time: at.Add(time.Minute), Valid: true}
	run.Scenes, run.Flood, run.Missing = 1, 1, 1
	if err := st.FinishRun(run); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	out := captureStdout(t)
	if err := (&RunsCmd{Limit: 5}).Run(st); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out.String(), "run-1") || !strings.Contains(out.String(), "ok") {
		t.Errorf("runs output = %q", out.String())
	}

	out.Reset()
	if err := (&DecisionsCmd{RunID: "run-1"}).Run(st); err != nil {
		t.Fatalf("decisions: %v", err)
	}
	got := out.String()
	for _, want := range []string{"1 flood, 0 non-flood, 1 missing", "0.9700", "missing"} {
		if !strings.Contains(got, want) {
			t.Errorf("decisions output missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	if err := (&DecisionsCmd{RunID: "run-1", Flood: true}).Run(st); err != nil {
		t.Fatalf("decisions --flood: %v", err)
	}
	if strings.Contains(out.String(), "\tb\t") || strings.Contains(out.String(), " b ") {
		t.Errorf("decisions --flood lists a missing pixel:\n%s", out.String())
	}

	if err := (&DecisionsCmd{RunID: "nope"}).Run(st); err == nil {
		t.Error("decisions for unknown run succeeded")
	}
}

func TestModelsCmd_Location(t *testing.T) {
	st := testStore(t)
	if err := st.UpsertHarmonicModel(models.HarmonicModel{
		LocationID:   "a",
		Order:        1,
		Convention:   "calendar",
		Coefficients: []float64{-9.5, 1.25, -0.5},
		Stdev:        1.1,
		NObs:         40,
		Fingerprint:  "ab12",
		FittedAt:     time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("UpsertHarmonicModel: %v", err)
	}

	out := captureStdout(t)
	if err := (&ModelsCmd{Location: "a"}).Run(st); err != nil {
		t.Fatalf("models --location: %v", err)
	}
	for _, want := range []string{"mean", "-9.500000", "cos_1", "1.250000", "sin_1", "-0.500000", "ab12"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("models output missing %q:\n%s", want, out.String())
		}
	}
	if err := (&ModelsCmd{Location: "zz"}).Run(st); err == nil {
		t.Error("models for unknown location succeeded")
	}
}
