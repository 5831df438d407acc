// Package local implements the site side of the three-round protocol. Each
// round is a single stateless call: everything carried between rounds lives in
// the site's own cache document, which never leaves the site.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/internal/artifacts"
	"fedreg/internal/config"
	"fedreg/internal/design"
	"fedreg/internal/errors"
	"fedreg/internal/ols"
	"fedreg/internal/parallel"
	"fedreg/ports"

	"gonum.org/v1/gonum/mat"
)

// Worker computes one site's contribution for each round.
type Worker struct {
	config    *config.Config
	tables    ports.TableReader
	publisher *artifacts.Publisher
	executor  *parallel.Executor
	logger    *internal.Logger
}

// NewWorker creates a site worker. tables may be nil when every request
// carries its tables inline; publisher may be nil to skip local maps.
func NewWorker(cfg *config.Config, tables ports.TableReader, publisher *artifacts.Publisher, logger *internal.Logger) *Worker {
	if logger == nil {
		logger = internal.Discard()
	}
	return &Worker{
		config:    cfg,
		tables:    tables,
		publisher: publisher,
		executor:  parallel.NewExecutor(cfg.Protocol.Workers),
		logger:    logger,
	}
}

// Round0 loads the site's tables, reports the distinct levels of its
// categorical covariates and stashes the tables in the local cache.
func (w *Worker) Round0(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	start := time.Now()
	siteID, err := core.ParseSiteID(req.State.ClientID)
	if err != nil {
		return nil, errors.InvalidInput(err.Error())
	}

	var spec regression.SiteSpec
	if err := decode(req.Input, &spec, "site input"); err != nil {
		return nil, err
	}

	covariates, err := w.resolveTable(ctx, req.State, spec.Covariates, spec.CovariatesFile, "covariates")
	if err != nil {
		return nil, err
	}
	data, err := w.resolveTable(ctx, req.State, spec.Data, spec.DataFile, "data")
	if err != nil {
		return nil, err
	}
	if covariates.NumRows() != data.NumRows() {
		return nil, errors.SchemaMismatch("site tables disagree",
			core.NewSchemaError("data", fmt.Sprintf("%d subjects, covariates have %d", data.NumRows(), covariates.NumRows())))
	}

	levels, err := design.LocalLevels(covariates, spec.Categorical)
	if err != nil {
		return nil, errors.Wrap(err, "categorical vocabulary")
	}

	lambda := w.config.Protocol.Lambda
	if spec.Lambda != nil {
		lambda = *spec.Lambda
	}

	w.logger.Info("local_0 site=%s subjects=%d covariates=%d responses=%d categorical=%d elapsed=%s",
		siteID, covariates.NumRows(), len(covariates.Columns), len(data.Columns), len(levels), time.Since(start))

	return &regression.Response{
		Output: regression.Local0Output{
			SiteID:          siteID.String(),
			CategoricalDict: levels,
			Phase:           regression.PhaseLocal0,
		},
		Cache: regression.LocalCache{
			SiteID:      siteID.String(),
			Covariates:  covariates,
			Data:        data,
			Categorical: spec.Categorical,
			Lambda:      lambda,
		},
		Success: true,
	}, nil
}

// Round1 builds the augmented design against the global vocabulary and
// returns the site's sufficient statistics plus a diagnostic local fit.
func (w *Worker) Round1(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	start := time.Now()
	cache, err := decodeCache(req.Cache)
	if err != nil {
		return nil, err
	}
	var in regression.Remote0Output
	if err := decode(req.Input, &in, "remote_0 output"); err != nil {
		return nil, err
	}
	vocab := in.Vocabulary()

	d, resp, err := buildSite(cache, vocab)
	if err != nil {
		return nil, err
	}
	n, k := d.X.Dims()
	m := resp.M()

	xtx := ols.Gram(d.X)
	xty := ols.CrossProduct(d.X, resp.Y)

	sub, subLabels := d.Subject()
	solver := ols.NewSolver(w.config.Numerics.ConditionLimit, nil)
	sharedInv, invErr := solver.Invert(ols.Gram(sub))

	means := make([]float64, m)
	counts := make([]int, m)
	partials := make([]*mat.Dense, m)
	fits := make([]*regression.LocalFit, m)

	errs, err := w.executor.Run(ctx, m, func(ctx context.Context, i int) error {
		y := resp.Column(i)
		mean, count, _ := ols.Moments(y)
		means[i], counts[i] = mean, count
		if g, ok := ols.CompleteGram(d.X, y); ok {
			partials[i] = g
		}

		// A singular subject design is reported once for the whole site.
		if invErr != nil {
			return nil
		}
		fit, err := solver.Fit(sub, y, sharedInv)
		if err != nil {
			return errors.NumericalFailure("local diagnostic fit", err)
		}
		fits[i] = &regression.LocalFit{
			Column:      i,
			Label:       resp.Labels[i],
			Beta:        fit.Beta,
			SSE:         fit.SSE,
			PValues:     fit.P,
			TValues:     fit.T,
			RSquared:    fit.RSquared,
			RSquaredAdj: fit.RSquaredAdj,
			Count:       fit.Count,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := regression.LocalRound1{
		XtX:           ols.ToRows(xtx),
		XtY:           ols.ToRows(xty),
		MeanY:         means,
		CountY:        counts,
		Lambda:        cache.Lambda,
		LocalStats:    []regression.LocalFit{},
		FailedColumns: parallel.Failures(errs, resp.Labels, cache.SiteID),
		XLabels:       d.Labels,
		YLabels:       resp.Labels,
		SchemaHash:    core.ComputeSchemaHash(d.Labels).String(),
		Phase:         regression.PhaseLocal1,
		XtXPartial:    partialRows(partials),
	}
	if invErr != nil {
		msg := fmt.Sprintf("site %s: local diagnostic fits skipped: %v", cache.SiteID, invErr)
		w.logger.Warn("local_1 %s", msg)
		out.Warnings = append(out.Warnings, msg)
	}

	coef := artifacts.Coefficients{Labels: subLabels, Beta: make([][]float64, m), T: make([][]float64, m), P: make([][]float64, m), Skip: map[int]bool{}}
	for i, f := range fits {
		if f == nil {
			coef.Skip[i] = true
			continue
		}
		out.LocalStats = append(out.LocalStats, *f)
		coef.Beta[i], coef.T[i], coef.P[i] = f.Beta, f.TValues, f.PValues
	}

	if w.config.Artifacts.Enabled && w.publisher != nil {
		set, problems := w.publisher.Publish(ctx, req.State, coef)
		for _, p := range problems {
			w.logger.Warn("local_1 site=%s artifact: %s", cache.SiteID, p)
		}
		out.Artifacts = set
	}

	cache.Vocabulary = &vocab
	cache.XLabels = d.Labels

	w.logger.Info("local_1 site=%s subjects=%d k=%d columns=%d partial=%d failed=%d elapsed=%s",
		cache.SiteID, n, k, m, len(out.XtXPartial), len(out.FailedColumns), time.Since(start))

	return &regression.Response{Output: out, Cache: cache, Success: true}, nil
}

// Round2 evaluates the global coefficients on the site's rows: residual and
// total sums of squares per column and the variance basis XᵗX.
func (w *Worker) Round2(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	start := time.Now()
	cache, err := decodeCache(req.Cache)
	if err != nil {
		return nil, err
	}
	if cache.Vocabulary == nil {
		return nil, errors.ProtocolViolation("local_2 before local_1", core.ErrPhaseMismatch)
	}
	var in regression.Remote1Output
	if err := decode(req.Input, &in, "remote_1 output"); err != nil {
		return nil, err
	}

	d, resp, err := buildSite(cache, *cache.Vocabulary)
	if err != nil {
		return nil, err
	}
	if core.ComputeSchemaHash(d.Labels) != core.ComputeSchemaHash(cache.XLabels) {
		return nil, errors.SchemaMismatch("design changed between rounds", core.NewSchemaError("X_labels", "differs from round 1"))
	}

	_, k := d.X.Dims()
	m := resp.M()
	beta, err := ols.FromRows(in.AvgBeta)
	if err != nil {
		return nil, errors.Wrap(err, "avg_beta_vector")
	}
	if err := ols.CheckDims("avg_beta_vector", beta, m, k); err != nil {
		return nil, errors.Wrap(err, "avg_beta_vector")
	}

	sse := make([]float64, m)
	sst := make([]float64, m)
	means := make([]float64, m)
	counts := make([]int, m)
	partials := make([]*mat.Dense, m)

	errs, err := w.executor.Run(ctx, m, func(ctx context.Context, i int) error {
		y := resp.Column(i)
		sse[i] = ols.ResidualSS(d.X, y, beta.RawRowView(i))
		means[i], counts[i], sst[i] = ols.Moments(y)
		if g, ok := ols.CompleteGram(d.X, y); ok {
			partials[i] = g
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range errs {
		if e != nil {
			return nil, errors.Wrap(e, "local_2")
		}
	}

	out := regression.LocalRound2{
		SSE:         sse,
		SST:         sst,
		VarX:        ols.ToRows(ols.Gram(d.X)),
		MeanY:       means,
		CountY:      counts,
		Phase:       regression.PhaseLocal2,
		VarXPartial: partialRows(partials),
	}

	w.logger.Info("local_2 site=%s k=%d columns=%d elapsed=%s", cache.SiteID, k, m, time.Since(start))
	return &regression.Response{Output: out, Cache: cache, Success: true}, nil
}

func buildSite(cache *regression.LocalCache, vocab regression.Vocabulary) (*design.Design, *design.Responses, error) {
	d, err := design.Build(cache.Covariates, cache.Categorical, cache.SiteID, vocab)
	if err != nil {
		return nil, nil, errors.Wrap(err, "design matrix")
	}
	resp, err := design.BuildResponses(cache.Data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "response matrix")
	}
	if n, _ := d.X.Dims(); n != cache.Data.NumRows() {
		return nil, nil, errors.SchemaMismatch("site tables disagree", core.NewDimensionError("data", n, resp.M(), cache.Data.NumRows(), resp.M()))
	}
	return d, resp, nil
}

func (w *Worker) resolveTable(ctx context.Context, state regression.State, inline *regression.Table, file, what string) (regression.Table, error) {
	if inline != nil {
		if err := inline.Validate(); err != nil {
			return regression.Table{}, errors.SchemaMismatch(what, core.NewSchemaError(what, err.Error()))
		}
		return *inline, nil
	}
	if file == "" {
		return regression.Table{}, errors.InvalidInput(fmt.Sprintf("%s: neither an inline table nor a file was given", what))
	}
	if w.tables == nil {
		return regression.Table{}, errors.ConfigInvalid(fmt.Sprintf("%s: no table reader configured for %s", what, file))
	}
	path := file
	if !filepath.IsAbs(path) && state.BaseDirectory != "" {
		path = filepath.Join(state.BaseDirectory, path)
	}
	t, err := w.tables.ReadTable(ctx, path)
	if err != nil {
		return regression.Table{}, errors.IOFailure(fmt.Sprintf("read %s", what), err)
	}
	return t, nil
}

func decode(raw json.RawMessage, v interface{}, what string) error {
	if len(raw) == 0 {
		return errors.InvalidInput(fmt.Sprintf("%s is empty", what))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(errors.InvalidInput(err.Error()), "decode %s", what)
	}
	return nil
}

func decodeCache(raw json.RawMessage) (*regression.LocalCache, error) {
	var cache regression.LocalCache
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, errors.ProtocolViolation("site cache is empty; local_0 has not run", core.ErrPhaseMismatch)
	}
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, errors.Wrapf(errors.InvalidInput(err.Error()), "decode site cache")
	}
	if cache.SiteID == "" {
		return nil, errors.ProtocolViolation("site cache has no site id", core.ErrPhaseMismatch)
	}
	return &cache, nil
}

func partialRows(partials []*mat.Dense) map[int][][]float64 {
	var out map[int][][]float64
	for i, g := range partials {
		if g == nil {
			continue
		}
		if out == nil {
			out = make(map[int][][]float64)
		}
		out[i] = ols.ToRows(g)
	}
	return out
}
