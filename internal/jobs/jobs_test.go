package jobs

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"github.com/lox/floodbayes/internal/flood"
	"github.com/lox/floodbayes/internal/harmonic"
	"github.com/lox/floodbayes/internal/models"
	"github.com/lox/floodbayes/internal/quicklook"
	"github.com/lox/floodbayes/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func addLocations(t *testing.T, st *store.Store, locs ...models.Location) {
	t.Helper()
	if _, err := st.ImportBatch(locs, nil); err != nil {
		t.Fatalf("ImportBatch(locations): %v", err)
	}
}

// seasonalSeries returns n acquisitions twelve days apart following a
// one-harmonic land signal.
func seasonalSeries(id string, start time.Time, n int) []models.Observation {
	obs := make([]models.Observation, n)
	for i := range obs {
		at := start.AddDate(0, 0, 12*i)
		doy := harmonic.Calendar.DayOfYear(at)
		v := -9 + 1.2*math.Cos(2*math.Pi*doy/harmonic.CalendarPeriod) + 0.3*math.Sin(float64(i))
		obs[i] = models.Observation{LocationID: id, ObservedAt: at, Sigma0: nullFloat(v), IncidenceAngle: nullFloat(37)}
	}
	return obs
}

func TestFingerprint(t *testing.T) {
	at := time.Date(2022, 1, 1, 5, 0, 0, 0, time.UTC)
	base := []models.Observation{
		{ObservedAt: at, Sigma0: nullFloat(-9)},
		{ObservedAt: at.AddDate(0, 0, 12), Sigma0: nullFloat(-10)},
	}
	changed := []models.Observation{base[0], {ObservedAt: base[1].ObservedAt, Sigma0: nullFloat(-10.5)}}
	missing := []models.Observation{base[0], {ObservedAt: base[1].ObservedAt}}

	fp := Fingerprint(base)
	if fp != Fingerprint(base) {
		t.Error("Fingerprint is not deterministic")
	}
	if fp == Fingerprint(changed) {
		t.Error("Fingerprint ignores value changes")
	}
	if fp == Fingerprint(missing) || Fingerprint(changed) == Fingerprint(missing) {
		t.Error("Fingerprint does not distinguish missing values")
	}
	if fp == Fingerprint(base[:1]) {
		t.Error("Fingerprint ignores appended observations")
	}
}

func TestFitAll(t *testing.T) {
	st := setupTestStore(t)
	start := time.Date(2021, 1, 3, 5, 17, 0, 0, time.UTC)
	addLocations(t, st,
		models.Location{ID: "a", Row: 0, Col: 0, Point: orb.Point{16.3, 48.2}},
		models.Location{ID: "b", Row: 0, Col: 1, Point: orb.Point{16.31, 48.2}},
	)
	if _, err := st.ImportBatch(nil, seasonalSeries("a", start, 60)); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}
	if _, err := st.ImportBatch(nil, seasonalSeries("b", start, 3)); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}

	fitter := NewFitter(st)
	opts := FitOptions{Order: 1, Convention: harmonic.Calendar, Workers: 2}

	sum, err := fitter.FitAll(context.Background(), opts)
	if err != nil {
		t.Fatalf("FitAll: %v", err)
	}
	if sum.Fitted != 1 || sum.Insufficient != 1 || sum.Failed != 0 {
		t.Fatalf("first FitAll = %+v, want 1 fitted, 1 insufficient", sum)
	}

	m, err := st.GetHarmonicModel("a")
	if err != nil || m == nil {
		t.Fatalf("GetHarmonicModel = %v, %v", m, err)
	}
	if m.NObs != 60 || m.Order != 1 || len(m.Coefficients) != 3 {
		t.Errorf("model = %+v", m)
	}
	if math.Abs(m.Coefficients[0]+9) > 0.2 || math.Abs(m.Coefficients[1]-1.2) > 0.2 {
		t.Errorf("coefficients = %v, want about [-9 1.2 0]", m.Coefficients)
	}
	if !(m.Stdev > 0) {
		t.Errorf("stdev = %v, want > 0", m.Stdev)
	}
	if b, _ := st.GetHarmonicModel("b"); b != nil {
		t.Errorf("location b has a model: %+v", b)
	}

	sum, err = fitter.FitAll(context.Background(), opts)
	if err != nil {
		t.Fatalf("second FitAll: %v", err)
	}
	if sum.Unchanged != 1 || sum.Fitted != 0 {
		t.Errorf("second FitAll = %+v, want 1 unchanged", sum)
	}

	opts.Force = true
	if sum, _ = fitter.FitAll(context.Background(), opts); sum.Fitted != 1 {
		t.Errorf("forced FitAll = %+v, want 1 fitted", sum)
	}

	opts.Force = false
	opts.Order = 2
	if sum, _ = fitter.FitAll(context.Background(), opts); sum.Fitted != 1 {
		t.Errorf("FitAll with new order = %+v, want 1 fitted", sum)
	}

	if _, err := st.ImportBatch(nil, seasonalSeries("a", start.AddDate(3, 0, 0), 1)); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}
	if sum, _ = fitter.FitAll(context.Background(), opts); sum.Fitted != 1 {
		t.Errorf("FitAll after new data = %+v, want 1 fitted", sum)
	}

	// 61 observations cannot support 30 harmonics; the order-2 model must go.
	opts.Order = 30
	if sum, _ = fitter.FitAll(context.Background(), opts); sum.Insufficient != 2 {
		t.Errorf("FitAll with order 30 = %+v, want 2 insufficient", sum)
	}
	if m, err := st.GetHarmonicModel("a"); err != nil || m != nil {
		t.Errorf("stale model after insufficient refit = %+v, %v; want none", m, err)
	}
}

func TestFitAll_InvalidOrder(t *testing.T) {
	st := setupTestStore(t)
	if _, err := NewFitter(st).FitAll(context.Background(), FitOptions{Order: 0}); err == nil {
		t.Error("FitAll with order 0 succeeded")
	}
}

func TestFitAll_Cancelled(t *testing.T) {
	st := setupTestStore(t)
	addLocations(t, st, models.Location{ID: "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFitter(st).FitAll(ctx, FitOptions{Order: 1}); err == nil {
		t.Error("FitAll with cancelled context succeeded")
	}
}

func setupClassifyStore(t *testing.T) *store.Store {
	t.Helper()
	st := setupTestStore(t)
	addLocations(t, st,
		models.Location{ID: "a", Row: 0, Col: 0, Point: orb.Point{16.30, 48.20}},
		models.Location{ID: "b", Row: 0, Col: 1, Point: orb.Point{16.31, 48.20}},
		models.Location{ID: "c", Row: 1, Col: 0, Point: orb.Point{16.30, 48.19}},
		models.Location{ID: "d", Row: 1, Col: 1, Point: orb.Point{16.31, 48.19}},
	)
	fitted := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		err := st.UpsertHarmonicModel(models.HarmonicModel{
			LocationID:   id,
			Order:        1,
			Convention:   string(harmonic.Calendar),
			Coefficients: []float64{-9, 0, 0},
			Stdev:        1.5,
			NObs:         60,
			FittedAt:     fitted,
		})
		if err != nil {
			t.Fatalf("UpsertHarmonicModel(%s): %v", id, err)
		}
	}
	return st
}

func TestClassifierRun(t *testing.T) {
	st := setupClassifyStore(t)
	first := time.Date(2023, 3, 1, 5, 17, 0, 0, time.UTC)
	second := first.AddDate(0, 0, 12)
	obs := []models.Observation{
		{LocationID: "a", ObservedAt: first, Sigma0: nullFloat(-22), IncidenceAngle: nullFloat(35)},
		{LocationID: "b", ObservedAt: first, Sigma0: nullFloat(-9), IncidenceAngle: nullFloat(35)},
		{LocationID: "c", ObservedAt: first, IncidenceAngle: nullFloat(35)},
		{LocationID: "d", ObservedAt: first, Sigma0: nullFloat(-9), IncidenceAngle: nullFloat(35)},
		{LocationID: "a", ObservedAt: second, Sigma0: nullFloat(-9.2), IncidenceAngle: nullFloat(35)},
	}
	if _, err := st.ImportBatch(nil, obs); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}

	fc, err := flood.NewClassifier(flood.DefaultWaterModel, flood.WithWorkers(2))
	if err != nil {
		t.Fatalf("flood.NewClassifier: %v", err)
	}
	dir, err := quicklook.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	sum, err := NewClassifier(st, fc).Run(context.Background(), ClassifyOptions{
		Start:          first.AddDate(0, 0, -1),
		End:            second.AddDate(0, 0, 1),
		Quicklooks:     dir,
		QuicklookScale: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Scenes != 2 {
		t.Errorf("scenes = %d, want 2", sum.Scenes)
	}
	want := flood.Counts{Flood: 1, NonFlood: 2, Missing: 2}
	if sum.Counts != want {
		t.Errorf("counts = %+v, want %+v", sum.Counts, want)
	}
	if len(sum.Files) != 2 {
		t.Fatalf("files = %v, want 2", sum.Files)
	}
	for _, f := range sum.Files {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("quicklook %s: %v", f, err)
		}
	}

	ds, err := st.GetDecisions(sum.RunID)
	if err != nil {
		t.Fatalf("GetDecisions: %v", err)
	}
	wantDecisions := map[string]flood.Decision{"a": flood.Flood, "b": flood.NonFlood, "c": flood.Missing, "d": flood.Missing}
	if len(ds) != 5 {
		t.Fatalf("len(decisions) = %d, want 5", len(ds))
	}
	for _, d := range ds[:4] {
		if flood.Decision(d.Decision) != wantDecisions[d.LocationID] {
			t.Errorf("%s decision = %d, want %v", d.LocationID, d.Decision, wantDecisions[d.LocationID])
		}
		if d.Decision == int(flood.Missing) && d.FloodPosterior.Valid {
			t.Errorf("%s missing decision has posterior %v", d.LocationID, d.FloodPosterior)
		}
	}
	if ds[4].LocationID != "a" || flood.Decision(ds[4].Decision) != flood.NonFlood {
		t.Errorf("second scene decision = %+v, want a non_flood", ds[4])
	}

	run, err := st.GetRun(sum.RunID)
	if err != nil || run == nil {
		t.Fatalf("GetRun = %v, %v", run, err)
	}
	if !run.FinishedAt.Valid || run.Scenes != 2 || run.Flood != 1 || run.NonFlood != 2 || run.Missing != 2 {
		t.Errorf("run = %+v", run)
	}
	if run.Prior != flood.DefaultPrior {
		t.Errorf("run prior = %v, want %v", run.Prior, flood.DefaultPrior)
	}
}

func TestClassifierRun_Bound(t *testing.T) {
	st := setupClassifyStore(t)
	at := time.Date(2023, 3, 1, 5, 17, 0, 0, time.UTC)
	if _, err := st.ImportBatch(nil, []models.Observation{
		{LocationID: "a", ObservedAt: at, Sigma0: nullFloat(-22), IncidenceAngle: nullFloat(35)},
		{LocationID: "b", ObservedAt: at, Sigma0: nullFloat(-9), IncidenceAngle: nullFloat(35)},
	}); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}

	fc, _ := flood.NewClassifier(flood.DefaultWaterModel)
	bound := orb.Bound{Min: orb.Point{16.295, 48.195}, Max: orb.Point{16.305, 48.205}}
	sum, err := NewClassifier(st, fc).Run(context.Background(), ClassifyOptions{Start: at, End: at, Bound: &bound})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Scenes != 1 || sum.Counts != (flood.Counts{Flood: 1}) {
		t.Errorf("summary = %+v, want one scene with one flood pixel", sum)
	}
}

func TestClassifierRun_Errors(t *testing.T) {
	fc, _ := flood.NewClassifier(flood.DefaultWaterModel)
	at := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	empty := NewClassifier(setupTestStore(t), fc)
	if _, err := empty.Run(context.Background(), ClassifyOptions{Start: at, End: at}); err == nil {
		t.Error("Run without locations succeeded")
	}

	c := NewClassifier(setupClassifyStore(t), fc)
	if _, err := c.Run(context.Background(), ClassifyOptions{Start: at, End: at.Add(-time.Hour)}); err == nil {
		t.Error("Run with inverted window succeeded")
	}
}

func TestBuildGrid_IgnoresUnusableModels(t *testing.T) {
	locs := []models.Location{
		{ID: "a", Row: 4, Col: 7},
		{ID: "b", Row: 5, Col: 9},
		{ID: "c", Row: 4, Col: 8},
	}
	stored := map[string]models.HarmonicModel{
		"a": {Coefficients: []float64{-9, 0, 0}, Stdev: 1, Convention: "calendar"},
		"b": {Coefficients: []float64{-9, 0, 0}, Stdev: 0, Convention: "calendar"},
		"c": {Coefficients: []float64{-9, 0}, Stdev: 1, Convention: "calendar"},
	}
	g, err := buildGrid(locs, stored, DefaultMaxPixels)
	if err != nil {
		t.Fatalf("buildGrid: %v", err)
	}
	if g.width != 3 || g.height != 2 {
		t.Fatalf("grid = %dx%d, want 3x2", g.width, g.height)
	}
	if g.index["a"] != 0 || g.index["c"] != 1 || g.index["b"] != 5 {
		t.Errorf("index = %v", g.index)
	}
	if g.landStd[0] != 1 {
		t.Errorf("a std = %v, want 1", g.landStd[0])
	}
	for _, px := range []int{1, 2, 5} {
		if !math.IsNaN(g.landStd[px]) {
			t.Errorf("pixel %d std = %v, want NaN", px, g.landStd[px])
		}
	}
}

func TestBuildGrid_RejectsOversizedExtent(t *testing.T) {
	tests := []struct {
		name string
		far  models.Location
	}{
		{"sparse", models.Location{ID: "b", Row: 100000, Col: 100000}},
		{"beyond uint32", models.Location{ID: "b", Row: 4294967295, Col: 4294967295}},
		{"int extremes", models.Location{ID: "b", Row: math.MaxInt, Col: math.MinInt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locs := []models.Location{{ID: "a"}, tt.far}
			if g, err := buildGrid(locs, nil, DefaultMaxPixels); err == nil {
				t.Errorf("buildGrid = %dx%d, want error", g.width, g.height)
			}
		})
	}

	g, err := buildGrid([]models.Location{{ID: "a"}, {ID: "b", Row: 3, Col: 4}}, nil, 20)
	if err != nil {
		t.Fatalf("buildGrid at the limit: %v", err)
	}
	if g.width*g.height != 20 {
		t.Errorf("grid = %dx%d, want 20 pixels", g.width, g.height)
	}
	if _, err := buildGrid([]models.Location{{ID: "a"}, {ID: "b", Row: 3, Col: 5}}, nil, 20); err == nil {
		t.Error("buildGrid one column over the limit succeeded")
	}
}

func TestClassifierRun_OversizedGrid(t *testing.T) {
	st := setupTestStore(t)
	addLocations(t, st,
		models.Location{ID: "a", Row: 0, Col: 0},
		models.Location{ID: "b", Row: 4294967295, Col: 4294967295},
	)
	at := time.Date(2023, 3, 1, 5, 17, 0, 0, time.UTC)
	if _, err := st.ImportBatch(nil, []models.Observation{
		{LocationID: "a", ObservedAt: at, Sigma0: nullFloat(-9), IncidenceAngle: nullFloat(35)},
	}); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}

	fc, _ := flood.NewClassifier(flood.DefaultWaterModel)
	_, err := NewClassifier(st, fc).Run(context.Background(), ClassifyOptions{Start: at, End: at})
	if err == nil || !strings.Contains(err.Error(), "exceed") {
		t.Errorf("Run err = %v, want grid extent error", err)
	}
}

func TestClassifierRun_RecordsFailure(t *testing.T) {
	first := time.Date(2023, 3, 1, 5, 17, 0, 0, time.UTC)
	second := first.AddDate(0, 0, 12)
	obs := []models.Observation{
		{LocationID: "a", ObservedAt: first, Sigma0: nullFloat(-22), IncidenceAngle: nullFloat(35)},
		{LocationID: "a", ObservedAt: second, Sigma0: nullFloat(-9), IncidenceAngle: nullFloat(35)},
	}
	fc, _ := flood.NewClassifier(flood.DefaultWaterModel)
	window := ClassifyOptions{Start: first, End: second}

	t.Run("cancelled", func(t *testing.T) {
		st := setupClassifyStore(t)
		if _, err := st.ImportBatch(nil, obs); err != nil {
			t.Fatalf("ImportBatch: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		sum, err := NewClassifier(st, fc).Run(ctx, window)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err = %v, want context.Canceled", err)
		}
		run, err := st.GetRun(sum.RunID)
		if err != nil || run == nil {
			t.Fatalf("GetRun = %v, %v", run, err)
		}
		if !run.FinishedAt.Valid || !run.ErrorMessage.Valid || run.Scenes != 0 {
			t.Errorf("run = %+v, want finished with an error and no scenes", run)
		}
	})

	t.Run("second scene fails", func(t *testing.T) {
		st := setupClassifyStore(t)
		if _, err := st.ImportBatch(nil, obs); err != nil {
			t.Fatalf("ImportBatch: %v", err)
		}
		dir, err := quicklook.NewDir(t.TempDir())
		if err != nil {
			t.Fatalf("NewDir: %v", err)
		}
		// A directory where the second preview belongs makes its write fail.
		if err := os.Mkdir(dir.Path(second), 0755); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}

		opts := window
		opts.Quicklooks = dir
		sum, err := NewClassifier(st, fc).Run(context.Background(), opts)
		if err == nil || !strings.Contains(err.Error(), "write quicklook") {
			t.Fatalf("Run err = %v, want quicklook write failure", err)
		}

		run, err := st.GetRun(sum.RunID)
		if err != nil || run == nil {
			t.Fatalf("GetRun = %v, %v", run, err)
		}
		if !run.FinishedAt.Valid || !run.ErrorMessage.Valid {
			t.Errorf("run = %+v, want finished with an error", run)
		}
		if run.Scenes != 1 || run.Flood != 1 {
			t.Errorf("run totals = %d scenes, %d flood; want 1, 1", run.Scenes, run.Flood)
		}
		ds, err := st.GetDecisions(sum.RunID)
		if err != nil {
			t.Fatalf("GetDecisions: %v", err)
		}
		if len(ds) != 1 || !ds[0].ObservedAt.Equal(first) {
			t.Errorf("decisions = %+v, want only the first scene", ds)
		}
	})
}
