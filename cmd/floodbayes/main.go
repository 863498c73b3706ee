package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/floodbayes/internal/flood"
	"github.com/lox/floodbayes/internal/harmonic"
	"github.com/lox/floodbayes/internal/ingest"
	"github.com/lox/floodbayes/internal/jobs"
	"github.com/lox/floodbayes/internal/log"
	"github.com/lox/floodbayes/internal/models"
	"github.com/lox/floodbayes/internal/quicklook"
	"github.com/lox/floodbayes/internal/store"
)

type Globals struct {
	DB          string `help:"Path to SQLite database." default:"data/floodbayes.db" env:"FLOODBAYES_DB"`
	Debug       bool   `help:"Enable debug logging." env:"FLOODBAYES_DEBUG"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address while the command runs." env:"FLOODBAYES_METRICS_ADDR"`
}

type CLI struct {
	Globals `embed:""`

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`

	Ingest    IngestCmd    `cmd:"" help:"Import backscatter series from CSV files."`
	Fit       FitCmd       `cmd:"" help:"Fit seasonal land models for every location."`
	Classify  ClassifyCmd  `cmd:"" help:"Classify acquisitions in a time window."`
	Models    ModelsCmd    `cmd:"" help:"List fitted land models."`
	Imports   ImportsCmd   `cmd:"" help:"Show recent CSV imports."`
	Runs      RunsCmd      `cmd:"" help:"Show recent classification runs."`
	Decisions DecisionsCmd `cmd:"" help:"Show the decisions of one classification run."`
}

var stdout io.Writer = os.Stdout

type IngestCmd struct {
	Files []string `arg:"" help:"CSV files to import."`
}

func (c *IngestCmd) Run(st *store.Store) error {
	im := ingest.NewImporter(st)
	for _, path := range c.Files {
		res, err := im.ImportFile(path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(stdout, "%s: %d observations (%d new, %d flagged) across %d locations\n", path, res.Parsed, res.Inserted, res.Flagged, res.Locations)
	}
	return nil
}

type FitCmd struct {
	Order      int    `help:"Number of harmonic terms." default:"3" env:"FLOODBAYES_ORDER"`
	Convention string `help:"Day-of-year convention." enum:"calendar,tropical" default:"calendar" env:"FLOODBAYES_CONVENTION"`
	Workers    int    `help:"Parallel fits (0 = GOMAXPROCS)." default:"0" env:"FLOODBAYES_WORKERS"`
	Force      bool   `help:"Refit locations whose series is unchanged."`
}

func (c *FitCmd) Run(ctx context.Context, st *store.Store) error {
	conv, err := harmonic.ParseConvention(c.Convention)
	if err != nil {
		return err
	}
	sum, err := jobs.NewFitter(st).FitAll(ctx, jobs.FitOptions{
		Order:      c.Order,
		Convention: conv,
		Workers:    c.Workers,
		Force:      c.Force,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "fitted %d, unchanged %d, insufficient data %d, failed %d\n", sum.Fitted, sum.Unchanged, sum.Insufficient, sum.Failed)
	return nil
}

type ClassifyCmd struct {
	From time.Time `help:"Window start (YYYY-MM-DD, UTC)." required:"" format:"2006-01-02"`
	To   time.Time `help:"Window end, inclusive (YYYY-MM-DD, UTC)." required:"" format:"2006-01-02"`
	BBox []float64 `name:"bbox" sep:"," help:"Restrict to minLon,minLat,maxLon,maxLat."`

	Prior          float64 `help:"Prior probability of flood." default:"0.5" env:"FLOODBAYES_PRIOR"`
	WaterSlope     float64 `help:"Water backscatter slope per degree of incidence." default:"-0.394181" env:"FLOODBAYES_WATER_SLOPE"`
	WaterIntercept float64 `help:"Water backscatter intercept (dB)." default:"-4.876885" env:"FLOODBAYES_WATER_INTERCEPT"`
	WaterStd       float64 `help:"Water backscatter standard deviation (dB)." default:"2.75372" env:"FLOODBAYES_WATER_STD"`
	Workers        int     `help:"Parallel tiles per scene (0 = GOMAXPROCS)." default:"0" env:"FLOODBAYES_WORKERS"`
	TileRows       int     `help:"Rows per tile." default:"64"`

	QuicklookDir   string `help:"Write a PNG preview per scene into this directory." type:"path" env:"FLOODBAYES_QUICKLOOK_DIR"`
	QuicklookScale int    `help:"Preview upscaling factor." default:"4"`
	MaxPixels      int    `help:"Largest grid extent to classify as one raster." default:"16777216" env:"FLOODBAYES_MAX_PIXELS"`
}

func (c *ClassifyCmd) Validate() error {
	if len(c.BBox) != 0 && len(c.BBox) != 4 {
		return errors.New("--bbox needs four values: minLon,minLat,maxLon,maxLat")
	}
	if c.To.Before(c.From) {
		return errors.New("--to is before --from")
	}
	return nil
}

func (c *ClassifyCmd) Run(ctx context.Context, st *store.Store) error {
	water := flood.WaterModel{Slope: c.WaterSlope, Intercept: c.WaterIntercept, Std: c.WaterStd}
	opts := []flood.Option{flood.WithPrior(c.Prior), flood.WithTileRows(c.TileRows)}
	if c.Workers > 0 {
		opts = append(opts, flood.WithWorkers(c.Workers))
	}
	fc, err := flood.NewClassifier(water, opts...)
	if err != nil {
		return err
	}

	runOpts := jobs.ClassifyOptions{
		Start:          c.From.UTC(),
		End:            c.To.UTC().AddDate(0, 0, 1).Add(-time.Nanosecond),
		QuicklookScale: c.QuicklookScale,
		MaxPixels:      c.MaxPixels,
	}
	if len(c.BBox) == 4 {
		b := orb.Bound{Min: orb.Point{c.BBox[0], c.BBox[1]}, Max: orb.Point{c.BBox[2], c.BBox[3]}}
		runOpts.Bound = &b
	}
	if c.QuicklookDir != "" {
		if runOpts.Quicklooks, err = quicklook.NewDir(c.QuicklookDir); err != nil {
			return err
		}
	}

	sum, err := jobs.NewClassifier(st, fc).Run(ctx, runOpts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "run %s: %d scenes, %d flood, %d non-flood, %d missing\n", sum.RunID, sum.Scenes, sum.Counts.Flood, sum.Counts.NonFlood, sum.Counts.Missing)
	for _, f := range sum.Files {
		fmt.Fprintln(stdout, f)
	}
	return nil
}

type ModelsCmd struct {
	Location string `help:"Show every coefficient of one location's model."`
}

func (c *ModelsCmd) Run(st *store.Store) error {
	if c.Location != "" {
		return c.showOne(st)
	}

	ms, err := st.GetHarmonicModels()
	if err != nil {
		return err
	}
	locations, err := st.GetLocations()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tORDER\tCONVENTION\tN_OBS\tMEAN_DB\tSTDEV_DB\tFITTED_AT")
	for _, l := range locations {
		m, ok := ms[l.ID]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\n", l.ID)
			continue
		}
		mean := "-"
		if len(m.Coefficients) > 0 {
			mean = fmt.Sprintf("%.2f", m.Coefficients[0])
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%.3f\t%s\n", l.ID, m.Order, m.Convention, m.NObs, mean, m.Stdev, m.FittedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (c *ModelsCmd) showOne(st *store.Store) error {
	m, err := st.GetHarmonicModel(c.Location)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("no model for location %s", c.Location)
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "location\t%s\n", m.LocationID)
	fmt.Fprintf(w, "order\t%d\n", m.Order)
	fmt.Fprintf(w, "convention\t%s\n", m.Convention)
	fmt.Fprintf(w, "n_obs\t%d\n", m.NObs)
	fmt.Fprintf(w, "stdev_db\t%.4f\n", m.Stdev)
	fmt.Fprintf(w, "fingerprint\t%s\n", m.Fingerprint)
	fmt.Fprintf(w, "fitted_at\t%s\n", m.FittedAt.Format(time.RFC3339))
	for i, v := range m.Coefficients {
		name := "mean"
		if i > 0 {
			kind := "cos"
			if i%2 == 0 {
				kind = "sin"
			}
			name = fmt.Sprintf("%s_%d", kind, (i+1)/2)
		}
		fmt.Fprintf(w, "%s\t%.6f\n", name, v)
	}
	return w.Flush()
}

type RunsCmd struct {
	Limit int `help:"Number of runs to show." default:"20"`
}

func (c *RunsCmd) Run(st *store.Store) error {
	runs, err := st.ListRuns(c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED_AT\tWINDOW\tPRIOR\tSCENES\tFLOOD\tNON_FLOOD\tMISSING\tSTATUS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s..%s\t%.2f\t%d\t%d\t%d\t%d\t%s\n", r.ID, r.StartedAt.Format(time.RFC3339),
			r.WindowStart.Format("2006-01-02"), r.WindowEnd.Format("2006-01-02"), r.Prior,
			r.Scenes, r.Flood, r.NonFlood, r.Missing, runStatus(r))
	}
	return w.Flush()
}

func runStatus(r models.ClassificationRun) string {
	switch {
	case r.ErrorMessage.Valid:
		return "failed: " + r.ErrorMessage.String
	case !r.FinishedAt.Valid:
		return "running"
	default:
		return "ok"
	}
}

type DecisionsCmd struct {
	RunID string `arg:"" name:"run" help:"Classification run ID."`
	Flood bool   `help:"Only list flooded pixels."`
}

func (c *DecisionsCmd) Run(st *store.Store) error {
	run, err := st.GetRun(c.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("no run %s", c.RunID)
	}
	counts, err := st.DecisionCounts(c.RunID)
	if err != nil {
		return err
	}
	ds, err := st.GetDecisions(c.RunID)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "run %s (%s): %d flood, %d non-flood, %d missing\n", run.ID, runStatus(*run),
		counts[int(flood.Flood)], counts[int(flood.NonFlood)], counts[int(flood.Missing)])

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OBSERVED_AT\tLOCATION\tP_FLOOD\tDECISION")
	for _, d := range ds {
		decision := flood.Decision(d.Decision)
		if c.Flood && decision != flood.Flood {
			continue
		}
		p := "-"
		if d.FloodPosterior.Valid {
			p = fmt.Sprintf("%.4f", d.FloodPosterior.Float64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ObservedAt.Format(time.RFC3339), d.LocationID, p, decision)
	}
	return w.Flush()
}

type ImportsCmd struct {
	Limit int `help:"Number of imports to show." default:"20"`
}

func (c *ImportsCmd) Run(st *store.Store) error {
	runs, err := st.GetRecentImports(c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED_AT\tSOURCE\tPARSED\tSTORED\tFLAGGED\tSTATUS")
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.ErrorMessage.String
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Source,
			r.RecordsParsed.Int64, r.RecordsStored.Int64, r.RecordsFlagged.Int64, status)
	}
	return w.Flush()
}

func openStore(path string) (*store.Store, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	version, err := st.MigrationVersion()
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("read schema version: %w", err)
	}
	log.Debugw("database ready", "path", path, "schema_version", version)
	return st, db, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Infow("serving metrics", "addr", addr)
	return srv
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("floodbayes"),
		kong.Description("Bayesian flood mapping from SAR backscatter time series."),
		kong.UsageOnError(),
	)

	if err := log.Init(cli.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := os.MkdirAll(filepath.Dir(cli.DB), 0755); err != nil {
		log.Fatalf("create database directory: %v", err)
	}
	st, db, err := openStore(cli.DB)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cli.MetricsAddr != "" {
		srv := serveMetrics(cli.MetricsAddr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(st, &cli.Globals)
	if err := kctx.Run(); err != nil {
		log.Errorw("command failed", "command", kctx.Command(), "error", err)
		log.Sync()
		db.Close()
		os.Exit(1)
	}
}
