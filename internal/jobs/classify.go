package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/lox/floodbayes/internal/flood"
	"github.com/lox/floodbayes/internal/harmonic"
	"github.com/lox/floodbayes/internal/log"
	"github.com/lox/floodbayes/internal/metrics"
	"github.com/lox/floodbayes/internal/models"
	"github.com/lox/floodbayes/internal/quicklook"
	"github.com/lox/floodbayes/internal/store"
)

type ClassifyOptions struct {
	Start time.Time
	End   time.Time
	// Bound restricts the run to locations inside it.
	Bound *orb.Bound
	// Quicklooks, when set, receives one PNG per scene.
	Quicklooks     *quicklook.Dir
	QuicklookScale int
	// MaxPixels bounds the scene raster; 0 means DefaultMaxPixels.
	MaxPixels int
}

// DefaultMaxPixels is the largest grid extent a run lays out as a raster.
const DefaultMaxPixels = 1 << 24

type ClassifySummary struct {
	RunID  string
	Scenes int
	Counts flood.Counts
	Files  []string
}

// grid maps stored locations onto a raster. Pixels without a location stay
// missing in every scene.
type grid struct {
	width, height   int
	minRow, minCol  int
	index           map[string]int
	landMean        []harmonic.Coefficients
	landStd         []float64
	locationAtPixel []string
}

// Classifier turns stored observations into persisted flood decisions.
type Classifier struct {
	store      *store.Store
	classifier *flood.Classifier
	now        func() time.Time
	newID      func() string
}

func NewClassifier(st *store.Store, c *flood.Classifier) *Classifier {
	return &Classifier{store: st, classifier: c, now: time.Now, newID: uuid.NewString}
}

// Run classifies every acquisition in [opts.Start, opts.End]. Observations
// sharing an acquisition time form one scene.
func (c *Classifier) Run(ctx context.Context, opts ClassifyOptions) (*ClassifySummary, error) {
	if opts.End.Before(opts.Start) {
		return nil, fmt.Errorf("window end %s before start %s", opts.End.Format(time.RFC3339), opts.Start.Format(time.RFC3339))
	}

	var (
		locations []models.Location
		err       error
	)
	if opts.Bound != nil {
		locations, err = c.store.LocationsWithin(*opts.Bound)
	} else {
		locations, err = c.store.GetLocations()
	}
	if err != nil {
		return nil, fmt.Errorf("get locations: %w", err)
	}
	if len(locations) == 0 {
		return nil, fmt.Errorf("no locations to classify")
	}

	stored, err := c.store.GetHarmonicModels()
	if err != nil {
		return nil, fmt.Errorf("get harmonic models: %w", err)
	}
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	g, err := buildGrid(locations, stored, maxPixels)
	if err != nil {
		return nil, err
	}

	obs, err := c.store.GetObservationsBetween(opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	scenes := groupScenes(obs, g)

	run := models.ClassificationRun{
		ID:          c.newID(),
		StartedAt:   c.now().UTC(),
		WindowStart: opts.Start,
		WindowEnd:   opts.End,
		Prior:       c.classifier.Prior(),
	}
	if err := c.store.InsertRun(run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	log.Infow("classification run started", "run", run.ID, "scenes", len(scenes), "grid", fmt.Sprintf("%dx%d", g.width, g.height))

	summary := &ClassifySummary{RunID: run.ID}
	runErr := c.classifyScenes(ctx, run.ID, g, scenes, opts, summary)

	run.FinishedAt = sql.NullTime{Time: c.now().UTC(), Valid: true}
	run.Scenes = summary.Scenes
	run.Flood = summary.Counts.Flood
	run.NonFlood = summary.Counts.NonFlood
	run.Missing = summary.Counts.Missing
	if runErr != nil {
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	}
	if err := c.store.FinishRun(run); err != nil {
		if runErr != nil {
			log.Errorw("could not record failed run", "run", run.ID, "error", err)
			return summary, runErr
		}
		return summary, fmt.Errorf("finish run: %w", err)
	}
	if runErr != nil {
		log.Errorw("classification run failed", "run", run.ID, "scenes", run.Scenes, "error", runErr)
		return summary, runErr
	}

	log.Infow("classification run complete", "run", run.ID, "scenes", run.Scenes, "flood", run.Flood, "non_flood", run.NonFlood, "missing", run.Missing)
	return summary, nil
}

// classifyScenes accumulates into summary until every scene is done or one
// fails.
func (c *Classifier) classifyScenes(ctx context.Context, runID string, g *grid, scenes []scene, opts ClassifyOptions, summary *ClassifySummary) error {
	for _, sc := range scenes {
		if err := ctx.Err(); err != nil {
			return err
		}
		counts, file, err := c.classifyScene(ctx, runID, g, sc, opts)
		if err != nil {
			return fmt.Errorf("scene %s: %w", sc.at.Format(time.RFC3339), err)
		}
		summary.Scenes++
		summary.Counts.Flood += counts.Flood
		summary.Counts.NonFlood += counts.NonFlood
		summary.Counts.Missing += counts.Missing
		if file != "" {
			summary.Files = append(summary.Files, file)
		}
	}
	return nil
}

type scene struct {
	at  time.Time
	obs []models.Observation
}

// groupScenes splits time-ordered observations into acquisitions, dropping
// observations of locations outside the grid.
func groupScenes(obs []models.Observation, g *grid) []scene {
	var scenes []scene
	for _, o := range obs {
		if _, ok := g.index[o.LocationID]; !ok {
			continue
		}
		if n := len(scenes); n == 0 || !scenes[n-1].at.Equal(o.ObservedAt) {
			scenes = append(scenes, scene{at: o.ObservedAt})
		}
		last := &scenes[len(scenes)-1]
		last.obs = append(last.obs, o)
	}
	return scenes
}

// extent returns hi-lo+1 when it does not exceed limit.
func extent(lo, hi, limit int) (int, bool) {
	span := uint64(hi) - uint64(lo)
	if span >= uint64(limit) {
		return 0, false
	}
	return int(span) + 1, true
}

func buildGrid(locations []models.Location, stored map[string]models.HarmonicModel, maxPixels int) (*grid, error) {
	minRow, minCol := locations[0].Row, locations[0].Col
	maxRow, maxCol := minRow, minCol
	for _, l := range locations[1:] {
		minRow, maxRow = min(minRow, l.Row), max(maxRow, l.Row)
		minCol, maxCol = min(minCol, l.Col), max(maxCol, l.Col)
	}

	width, okW := extent(minCol, maxCol, maxPixels)
	height, okH := extent(minRow, maxRow, maxPixels)
	if !okW || !okH || width > maxPixels/height {
		return nil, fmt.Errorf("grid rows %d..%d, cols %d..%d exceed %d pixels; restrict the run with a bounding box",
			minRow, maxRow, minCol, maxCol, maxPixels)
	}

	g := &grid{
		width:  width,
		height: height,
		minRow: minRow,
		minCol: minCol,
		index:  make(map[string]int, len(locations)),
	}
	n := g.width * g.height
	g.landMean = make([]harmonic.Coefficients, n)
	g.landStd = make([]float64, n)
	g.locationAtPixel = make([]string, n)
	for i := range g.landStd {
		g.landStd[i] = math.NaN()
	}

	unmodelled := 0
	for _, l := range locations {
		px := (l.Row-minRow)*g.width + (l.Col - minCol)
		g.index[l.ID] = px
		g.locationAtPixel[px] = l.ID

		m, ok := stored[l.ID]
		if !ok || !(m.Stdev > 0) {
			unmodelled++
			continue
		}
		coeffs, err := harmonic.NewCoefficients(m.Coefficients, harmonic.Convention(m.Convention))
		if err != nil {
			log.Warnw("ignoring stored model", "location", l.ID, "error", err)
			unmodelled++
			continue
		}
		g.landMean[px] = coeffs
		g.landStd[px] = m.Stdev
	}
	if unmodelled > 0 {
		log.Warnf("%d of %d locations have no usable land model; their pixels will be missing", unmodelled, len(locations))
	}
	return g, nil
}

func (c *Classifier) classifyScene(ctx context.Context, runID string, g *grid, sc scene, opts ClassifyOptions) (flood.Counts, string, error) {
	start := time.Now()
	n := g.width * g.height
	s := flood.Scene[float64]{
		Width:          g.width,
		Height:         g.height,
		Sigma0:         nanSlice(n),
		IncidenceAngle: nanSlice(n),
		LandMean:       nanSlice(n),
		LandStd:        nanSlice(n),
	}

	observed := make([]int, 0, len(sc.obs))
	for _, o := range sc.obs {
		px := g.index[o.LocationID]
		observed = append(observed, px)
		if o.Sigma0.Valid {
			s.Sigma0[px] = o.Sigma0.Float64
		}
		if o.IncidenceAngle.Valid {
			s.IncidenceAngle[px] = o.IncidenceAngle.Float64
		}
		if std := g.landStd[px]; !math.IsNaN(std) {
			s.LandMean[px] = g.landMean[px].PredictAt(sc.at)
			s.LandStd[px] = std
		}
	}

	res, err := flood.Classify(ctx, c.classifier, s)
	if err != nil {
		return flood.Counts{}, "", err
	}

	ds := make([]models.FloodDecision, 0, len(observed))
	decisions := make([]flood.Decision, 0, len(observed))
	for _, px := range observed {
		d := res.Decisions[px]
		decisions = append(decisions, d)
		ds = append(ds, models.FloodDecision{
			RunID:             runID,
			LocationID:        g.locationAtPixel[px],
			ObservedAt:        sc.at,
			FloodPosterior:    nullable(res.FloodPosterior[px]),
			NonFloodPosterior: nullable(res.NonFloodPosterior[px]),
			Decision:          int(d),
		})
	}
	var file string
	if opts.Quicklooks != nil {
		png, err := quicklook.Render(g.width, g.height, res.Decisions, quicklook.Options{
			Scale: opts.QuicklookScale,
			Title: sc.at.UTC().Format("2006-01-02 15:04Z"),
		})
		if err != nil {
			return flood.Counts{}, "", fmt.Errorf("render quicklook: %w", err)
		}
		if file, err = opts.Quicklooks.Write(sc.at, png); err != nil {
			return flood.Counts{}, "", fmt.Errorf("write quicklook: %w", err)
		}
	}

	if err := c.store.InsertDecisions(ds); err != nil {
		return flood.Counts{}, "", fmt.Errorf("insert decisions: %w", err)
	}

	counts := flood.CountDecisions(decisions)
	metrics.PixelsClassified.WithLabelValues(flood.Flood.String()).Add(float64(counts.Flood))
	metrics.PixelsClassified.WithLabelValues(flood.NonFlood.String()).Add(float64(counts.NonFlood))
	metrics.PixelsClassified.WithLabelValues(flood.Missing.String()).Add(float64(counts.Missing))
	metrics.SceneLatency.Observe(time.Since(start).Seconds())

	log.Debugw("classified scene", "at", sc.at, "pixels", len(observed), "flood", counts.Flood, "non_flood", counts.NonFlood, "missing", counts.Missing)
	return counts, file, nil
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
