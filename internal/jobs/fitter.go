package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/floodbayes/internal/harmonic"
	"github.com/lox/floodbayes/internal/log"
	"github.com/lox/floodbayes/internal/metrics"
	"github.com/lox/floodbayes/internal/models"
	"github.com/lox/floodbayes/internal/store"
)

type FitOptions struct {
	Order      int
	Convention harmonic.Convention
	Workers    int
	// Force refits locations whose series is unchanged.
	Force bool
	// Locations restricts the run; nil fits every stored location.
	Locations []models.Location
}

type FitSummary struct {
	Fitted       int
	Unchanged    int
	Insufficient int
	Failed       int
}

type fitOutcome int

const (
	outcomeFitted fitOutcome = iota
	outcomeUnchanged
	outcomeInsufficient
	outcomeFailed
)

func (o fitOutcome) String() string {
	switch o {
	case outcomeFitted:
		return "fitted"
	case outcomeUnchanged:
		return "unchanged"
	case outcomeInsufficient:
		return "insufficient"
	default:
		return "failed"
	}
}

// Fitter refreshes the stored harmonic model of every location.
type Fitter struct {
	store *store.Store
	now   func() time.Time
}

func NewFitter(st *store.Store) *Fitter {
	return &Fitter{store: st, now: time.Now}
}

// FitAll fits locations in parallel. Failures of individual locations are
// logged and counted; only configuration, store listing and cancellation
// errors are returned.
func (f *Fitter) FitAll(ctx context.Context, opts FitOptions) (*FitSummary, error) {
	if opts.Order < 1 {
		return nil, fmt.Errorf("%w: got %d", harmonic.ErrInvalidOrder, opts.Order)
	}
	if opts.Convention == "" {
		opts.Convention = harmonic.Calendar
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	locations := opts.Locations
	if locations == nil {
		var err error
		locations, err = f.store.GetLocations()
		if err != nil {
			return nil, fmt.Errorf("get locations: %w", err)
		}
	}

	existing, err := f.store.GetHarmonicModels()
	if err != nil {
		return nil, fmt.Errorf("get harmonic models: %w", err)
	}

	log.Infow("fitting harmonic models", "locations", len(locations), "order", opts.Order, "convention", opts.Convention, "workers", opts.Workers)

	var mu sync.Mutex
	summary := &FitSummary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, loc := range locations {
		if gctx.Err() != nil {
			break
		}
		prev, hasPrev := existing[loc.ID]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var prevModel *models.HarmonicModel
			if hasPrev {
				prevModel = &prev
			}
			outcome := f.fitLocation(loc.ID, prevModel, opts)
			metrics.ModelFits.WithLabelValues(outcome.String()).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeFitted:
				summary.Fitted++
			case outcomeUnchanged:
				summary.Unchanged++
			case outcomeInsufficient:
				summary.Insufficient++
			default:
				summary.Failed++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	log.Infow("harmonic fit complete", "fitted", summary.Fitted, "unchanged", summary.Unchanged, "insufficient", summary.Insufficient, "failed", summary.Failed)
	return summary, nil
}

func (f *Fitter) fitLocation(locationID string, prev *models.HarmonicModel, opts FitOptions) fitOutcome {
	series, err := f.store.GetSeries(locationID)
	if err != nil {
		log.Errorw("load series failed", "location", locationID, "error", err)
		return outcomeFailed
	}

	fp := Fingerprint(series)
	if !opts.Force && prev != nil && prev.Fingerprint == fp && prev.Order == opts.Order && prev.Convention == string(opts.Convention) {
		return outcomeUnchanged
	}

	samples := make([]harmonic.Sample, len(series))
	for i, o := range series {
		v := math.NaN()
		if o.Sigma0.Valid {
			v = o.Sigma0.Float64
		}
		samples[i] = harmonic.Sample{Time: o.ObservedAt, Value: v}
	}

	start := time.Now()
	fit, err := harmonic.FitSeries(samples, opts.Order, opts.Convention)
	metrics.ModelFitLatency.Observe(time.Since(start).Seconds())

	var ide *harmonic.InsufficientDataError
	if errors.As(err, &ide) {
		log.Warnw("skipping location", "location", locationID, "have", ide.Have, "need", ide.Need)
		f.dropStale(locationID, prev)
		return outcomeInsufficient
	}
	if err != nil {
		log.Errorw("harmonic fit failed", "location", locationID, "error", err)
		f.dropStale(locationID, prev)
		return outcomeFailed
	}

	m := models.HarmonicModel{
		LocationID:   locationID,
		Order:        opts.Order,
		Convention:   string(opts.Convention),
		Coefficients: fit.Coefficients.Values(),
		Stdev:        fit.Stdev,
		NObs:         fit.NObs,
		Fingerprint:  fp,
		FittedAt:     f.now().UTC(),
	}
	if err := f.store.UpsertHarmonicModel(m); err != nil {
		log.Errorw("save harmonic model failed", "location", locationID, "error", err)
		return outcomeFailed
	}
	log.Debugw("fitted location", "location", locationID, "n_obs", fit.NObs, "stdev", fit.Stdev)
	return outcomeFitted
}

// dropStale removes a stored model that no longer describes the location's
// series, so classification treats the location as unmodelled.
func (f *Fitter) dropStale(locationID string, prev *models.HarmonicModel) {
	if prev == nil {
		return
	}
	if err := f.store.DeleteHarmonicModel(locationID); err != nil {
		log.Errorw("delete stale harmonic model failed", "location", locationID, "error", err)
		return
	}
	log.Warnw("removed stale harmonic model", "location", locationID, "order", prev.Order, "convention", prev.Convention)
}
