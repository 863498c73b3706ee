package flood

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const defaultTileRows = 64

// Scene holds the rasters for one acquisition, row-major with Width*Height
// pixels. LandMean is the harmonic expectation for the acquisition day and
// LandStd the residual std of each pixel's fit; both are NaN where a pixel has
// no land model. Every band except Sigma0 may be a single broadcast value.
type Scene[T Float] struct {
	Width          int
	Height         int
	Sigma0         []T
	IncidenceAngle []T
	LandMean       []T
	LandStd        []T
}

func (s Scene[T]) Validate() error {
	if s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("flood: negative scene size %dx%d", s.Width, s.Height)
	}
	n := s.Width * s.Height
	if len(s.Sigma0) != n {
		return fmt.Errorf("%w: sigma0 has %d pixels, scene has %d", ErrShapeMismatch, len(s.Sigma0), n)
	}
	for _, band := range []struct {
		name string
		len  int
	}{
		{"incidence angle", len(s.IncidenceAngle)},
		{"land mean", len(s.LandMean)},
		{"land std", len(s.LandStd)},
	} {
		if band.len != n && !(band.len == 1 && n > 0) {
			return fmt.Errorf("%w: %s has %d pixels, scene has %d", ErrShapeMismatch, band.name, band.len, n)
		}
	}
	return nil
}

// Result is the classified scene in the same layout as its input.
type Result[T Float] struct {
	Width             int
	Height            int
	FloodPosterior    []T
	NonFloodPosterior []T
	Decisions         []Decision
}

func (r *Result[T]) Counts() Counts { return CountDecisions(r.Decisions) }

// Classifier carries the scene-independent configuration. It is safe for
// concurrent use.
type Classifier struct {
	water    WaterModel
	prior    float64
	workers  int
	tileRows int
}

type Option func(*Classifier)

func WithPrior(p float64) Option { return func(c *Classifier) { c.prior = p } }

// WithWorkers bounds the number of tiles evaluated concurrently.
func WithWorkers(n int) Option { return func(c *Classifier) { c.workers = n } }

func WithTileRows(n int) Option { return func(c *Classifier) { c.tileRows = n } }

func NewClassifier(water WaterModel, opts ...Option) (*Classifier, error) {
	c := &Classifier{
		water:    water,
		prior:    DefaultPrior,
		workers:  runtime.GOMAXPROCS(0),
		tileRows: defaultTileRows,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := water.Validate(); err != nil {
		return nil, err
	}
	if err := checkPrior(c.prior); err != nil {
		return nil, err
	}
	if c.workers < 1 {
		c.workers = 1
	}
	if c.tileRows < 1 {
		c.tileRows = defaultTileRows
	}
	return c, nil
}

func (c *Classifier) Prior() float64    { return c.prior }
func (c *Classifier) Water() WaterModel { return c.water }

// Classify evaluates a scene in row tiles. Tiles are independent; when ctx is
// cancelled no further tiles are started and ctx's error is returned.
func Classify[T Float](ctx context.Context, c *Classifier, scene Scene[T]) (*Result[T], error) {
	if err := scene.Validate(); err != nil {
		return nil, err
	}

	n := scene.Width * scene.Height
	res := &Result[T]{
		Width:             scene.Width,
		Height:            scene.Height,
		FloodPosterior:    make([]T, n),
		NonFloodPosterior: make([]T, n),
		Decisions:         make([]Decision, n),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for row := 0; row < scene.Height; row += c.tileRows {
		if gctx.Err() != nil {
			break
		}
		lo := row * scene.Width
		hi := min(row+c.tileRows, scene.Height) * scene.Width
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return classifyTile(c, scene, res, lo, hi)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func classifyTile[T Float](c *Classifier, scene Scene[T], res *Result[T], lo, hi int) error {
	sigma := window(scene.Sigma0, lo, hi)

	land, err := LandLikelihoods(sigma, window(scene.LandMean, lo, hi), window(scene.LandStd, lo, hi))
	if err != nil {
		return err
	}
	water, err := WaterLikelihoods(sigma, window(scene.IncidenceAngle, lo, hi), c.water)
	if err != nil {
		return err
	}
	flood, nonFlood, err := Posteriors(land, water, c.prior)
	if err != nil {
		return err
	}
	decisions, err := Decisions(flood, nonFlood)
	if err != nil {
		return err
	}

	copy(res.FloodPosterior[lo:hi], flood)
	copy(res.NonFloodPosterior[lo:hi], nonFlood)
	copy(res.Decisions[lo:hi], decisions)
	return nil
}

// window returns the pixels [lo, hi) of a band, leaving broadcast bands as is.
func window[T Float](band []T, lo, hi int) []T {
	if len(band) == 1 {
		return band
	}
	return band[lo:hi]
}
