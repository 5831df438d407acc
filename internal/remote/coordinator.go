// Package remote implements the coordinator side of the three-round protocol.
// The coordinator only ever sees per-site sufficient statistics; between
// round 1 and round 2 it keeps its state in a ports.CacheStore.
package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/internal/artifacts"
	"fedreg/internal/config"
	"fedreg/internal/errors"
	"fedreg/internal/ols"
	"fedreg/internal/parallel"
	"fedreg/internal/strategy"
	"fedreg/ports"

	"gonum.org/v1/gonum/mat"
)

// Coordinator aggregates site submissions round by round.
type Coordinator struct {
	config    *config.Config
	strategy  strategy.Strategy
	store     ports.CacheStore
	publisher *artifacts.Publisher
	reports   ports.ReportWriter
	executor  *parallel.Executor
	logger    *internal.Logger
}

// NewCoordinator creates a coordinator. publisher and reports may be nil.
func NewCoordinator(cfg *config.Config, store ports.CacheStore, publisher *artifacts.Publisher, reports ports.ReportWriter, logger *internal.Logger) (*Coordinator, error) {
	strat, err := strategy.New(cfg.Protocol.Strategy)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.ConfigInvalid("coordinator needs a cache store")
	}
	if logger == nil {
		logger = internal.Discard()
	}
	return &Coordinator{
		config:    cfg,
		strategy:  strat,
		store:     store,
		publisher: publisher,
		reports:   reports,
		executor:  parallel.NewExecutor(cfg.Protocol.Workers),
		logger:    logger,
	}, nil
}

// Round0 merges the sites' categorical vocabularies and fixes the
// site-covariate list. Identical input always yields identical output.
func (c *Coordinator) Round0(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	keys, raw, err := submissions(req.Input)
	if err != nil {
		return nil, err
	}

	levels := make(map[string]map[string]bool)
	siteIDs := make([]string, 0, len(keys))
	seen := make(map[string]bool)
	for _, key := range keys {
		var in local0
		if err := decodeSite(key, raw[key], regression.PhaseLocal0, &in); err != nil {
			return nil, err
		}
		id := in.SiteID
		if id == "" {
			id = key
		}
		if seen[id] {
			return nil, errors.ProtocolViolation(fmt.Sprintf("site id %q submitted twice", id), core.ErrPhaseMismatch)
		}
		seen[id] = true
		siteIDs = append(siteIDs, id)

		for name, values := range in.CategoricalDict {
			if levels[name] == nil {
				levels[name] = make(map[string]bool)
			}
			for _, v := range values {
				levels[name][v] = true
			}
		}
	}

	out := regression.Remote0Output{
		CovarKeys:         make(map[string][]string, len(levels)),
		GlobalUniqueCount: make(map[string]int, len(levels)),
		SiteCovarList:     []string{},
		Mask:              c.config.Artifacts.MaskFile,
		Phase:             regression.PhaseRemote0,
	}
	for name, set := range levels {
		values := make([]string, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		sort.Strings(values)
		out.CovarKeys[name] = values
		out.GlobalUniqueCount[name] = len(values)
	}
	sort.Strings(siteIDs)
	out.ReferenceSite = siteIDs[0]
	for _, id := range siteIDs[1:] {
		out.SiteCovarList = append(out.SiteCovarList, regression.SiteColumn(id))
	}

	c.logger.Info("remote_0 sites=%d categorical=%d reference=%s", len(siteIDs), len(levels), siteIDs[0])
	return &regression.Response{Output: out, Success: true}, nil
}

// Round1 sums the sites' cross products and solves for the global coefficients.
func (c *Coordinator) Round1(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	start := time.Now()
	sites, raw, err := submissions(req.Input)
	if err != nil {
		return nil, err
	}

	subs := make([]regression.LocalRound1, len(sites))
	for s, site := range sites {
		var in local1
		if err := decodeSite(site, raw[site], regression.PhaseLocal1, &in); err != nil {
			return nil, err
		}
		subs[s] = in.LocalRound1
	}

	first := subs[0]
	xLabels, yLabels, lambda := first.XLabels, first.YLabels, first.Lambda
	k, m := len(xLabels), len(yLabels)
	if k == 0 || m == 0 {
		return nil, errors.SchemaMismatch("empty design", core.NewSchemaError("X_labels", "no design or response columns"))
	}

	xtxs := make([]*mat.Dense, len(sites))
	xtys := make([]*mat.Dense, len(sites))
	partials := make([]map[int]*mat.Dense, len(sites))
	for s, site := range sites {
		sub := subs[s]
		if !sameStrings(sub.XLabels, xLabels) {
			return nil, errors.SchemaMismatch(fmt.Sprintf("X_labels from %s differ from %s", site, sites[0]), core.ErrSchemaMismatch)
		}
		if !sameStrings(sub.YLabels, yLabels) {
			return nil, errors.SchemaMismatch(fmt.Sprintf("y_labels from %s differ from %s", site, sites[0]), core.ErrSchemaMismatch)
		}
		if sub.Lambda != lambda {
			return nil, errors.ProtocolViolation(fmt.Sprintf("site %s lambda %g, site %s lambda %g", site, sub.Lambda, sites[0], lambda), core.ErrLambdaMismatch)
		}
		if xtxs[s], err = matrix(site, "XtransposeX_local", sub.XtX, k, k); err != nil {
			return nil, err
		}
		if xtys[s], err = matrix(site, "Xtransposey_local", sub.XtY, k, m); err != nil {
			return nil, err
		}
		if err := checkLen(site, "mean_y_local", len(sub.MeanY), m); err != nil {
			return nil, err
		}
		if err := checkLen(site, "count_local", len(sub.CountY), m); err != nil {
			return nil, err
		}
		if partials[s], err = partialMatrices(site, "XtransposeX_partial", sub.XtXPartial, k, m); err != nil {
			return nil, err
		}
	}

	xtx, err := ols.Sum(xtxs)
	if err != nil {
		return nil, errors.Wrap(err, "sum XtransposeX_local")
	}
	xty, err := ols.Sum(xtys)
	if err != nil {
		return nil, errors.Wrap(err, "sum Xtransposey_local")
	}

	solver := strategy.Solver(c.strategy, lambda, c.config.Numerics.ConditionLimit)
	inv, err := solver.Invert(xtx)
	if err != nil {
		return nil, errors.NumericalFailure("global XᵗX (rank-deficient design)", err)
	}

	beta := make([][]float64, m)
	meanGlobal := make([]float64, m)
	dof := make([]int, m)
	errs, err := c.executor.Run(ctx, m, func(ctx context.Context, i int) error {
		beta[i] = make([]float64, k)
		total, weighted := 0, 0.0
		for _, sub := range subs {
			total += sub.CountY[i]
			weighted += sub.MeanY[i] * float64(sub.CountY[i])
		}
		dof[i] = total - k
		if total == 0 {
			return fmt.Errorf("%w: column has no observations", core.ErrInsufficientData)
		}
		meanGlobal[i] = weighted / float64(total)

		colInv := inv
		if basis, ok := columnBasis(i, xtxs, partials); ok {
			var err error
			if colInv, err = solver.Invert(basis); err != nil {
				return err
			}
		}
		var b mat.VecDense
		b.MulVec(colInv, xty.ColView(i))
		for j := 0; j < k; j++ {
			beta[i][j] = b.AtVec(j)
		}
		if !ols.AllFinite(beta[i]...) {
			return core.ErrNonFinite
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	failures := parallel.Failures(errs, yLabels, "")
	for i, e := range errs {
		if e != nil {
			for j := range beta[i] {
				beta[i][j] = 0
			}
		}
	}

	entry := &regression.CacheEntry{
		CacheID:       core.NewCacheID().String(),
		RunID:         core.ParseRunID(req.State.RunID).String(),
		CreatedAt:     core.Now(),
		AvgBeta:       beta,
		MeanYGlob:     meanGlobal,
		DOF:           dof,
		Counts:        make(map[string][]int, len(sites)),
		XLabels:       xLabels,
		YLabels:       yLabels,
		Lambda:        lambda,
		Strategy:      c.strategy.Name(),
		Sites:         sites,
		LocalStats:    make(map[string][]regression.LocalFit, len(sites)),
		FailedColumns: failures,
	}
	for s, site := range sites {
		entry.Counts[site] = subs[s].CountY
		entry.LocalStats[site] = subs[s].LocalStats
		entry.FailedColumns = append(entry.FailedColumns, subs[s].FailedColumns...)
		entry.Warnings = append(entry.Warnings, subs[s].Warnings...)
	}

	if err := c.store.Put(ctx, CacheKey(req.State.RunID), entry); err != nil {
		return nil, errors.IOFailure("persist coordinator cache", err)
	}

	c.logger.Info("remote_1 sites=%d k=%d columns=%d strategy=%s lambda=%g failed=%d elapsed=%s",
		len(sites), k, m, c.strategy.Name(), lambda, len(failures), time.Since(start))

	return &regression.Response{
		Output: regression.Remote1Output{
			AvgBeta:   beta,
			MeanYGlob: meanGlobal,
			Phase:     regression.PhaseRemote1,
		},
		Cache:   entry,
		Success: true,
	}, nil
}

// loadEntry reads the round-1 state. The store is authoritative; the
// document's cache field is used only when the store has no entry.
func (c *Coordinator) loadEntry(ctx context.Context, req *regression.Request) (*regression.CacheEntry, error) {
	var doc *regression.CacheEntry
	if len(req.Cache) > 0 && string(req.Cache) != "null" && string(req.Cache) != "{}" {
		var e regression.CacheEntry
		if err := json.Unmarshal(req.Cache, &e); err != nil {
			return nil, errors.Wrapf(errors.InvalidInput(err.Error()), "decode coordinator cache")
		}
		doc = &e
	}

	stored, err := c.store.Get(ctx, CacheKey(req.State.RunID))
	switch {
	case err == nil:
		if doc != nil && doc.CacheID != stored.CacheID {
			return nil, errors.ProtocolViolation(fmt.Sprintf("cache document %s does not match stored entry %s", doc.CacheID, stored.CacheID), core.ErrPhaseMismatch)
		}
		return stored, nil
	case stderrors.Is(err, core.ErrCacheMiss):
		if doc == nil {
			return nil, errors.ProtocolViolation("no round-1 cache entry for run "+core.ParseRunID(req.State.RunID).String(), err)
		}
		c.logger.Warn("remote_2 cache entry missing from store, using document cache %s", doc.CacheID)
		return doc, nil
	default:
		return nil, errors.IOFailure("load coordinator cache", err)
	}
}

// Round2 turns the sites' residual sums into global significance statistics.
func (c *Coordinator) Round2(ctx context.Context, req *regression.Request) (*regression.Response, error) {
	start := time.Now()
	entry, err := c.loadEntry(ctx, req)
	if err != nil {
		return nil, err
	}
	sites, raw, err := submissions(req.Input)
	if err != nil {
		return nil, err
	}
	if !sameStrings(sites, entry.Sites) {
		return nil, errors.ProtocolViolation(fmt.Sprintf("round 2 sites %v, round 1 sites %v", sites, entry.Sites), core.ErrMissingSite)
	}

	k, m := len(entry.XLabels), len(entry.YLabels)
	subs := make([]regression.LocalRound2, len(sites))
	varXs := make([]*mat.Dense, len(sites))
	partials := make([]map[int]*mat.Dense, len(sites))
	for s, site := range sites {
		var in local2
		if err := decodeSite(site, raw[site], regression.PhaseLocal2, &in); err != nil {
			return nil, err
		}
		sub := in.LocalRound2
		if varXs[s], err = matrix(site, "varX_matrix_local", sub.VarX, k, k); err != nil {
			return nil, err
		}
		for field, n := range map[string]int{"SSE_local": len(sub.SSE), "SST_local": len(sub.SST), "mean_y_local": len(sub.MeanY), "count_local": len(sub.CountY)} {
			if err := checkLen(site, field, n, m); err != nil {
				return nil, err
			}
		}
		if partials[s], err = partialMatrices(site, "varX_matrix_partial", sub.VarXPartial, k, m); err != nil {
			return nil, err
		}
		subs[s] = sub
	}

	varX, err := ols.Sum(varXs)
	if err != nil {
		return nil, errors.Wrap(err, "sum varX_matrix_local")
	}
	solver := strategy.Solver(c.strategy, entry.Lambda, c.config.Numerics.ConditionLimit)
	inv, err := solver.Invert(varX)
	if err != nil {
		return nil, errors.NumericalFailure("global variance basis", err)
	}

	skip := make(map[int]bool)
	for _, f := range entry.FailedColumns {
		if f.Site == "" {
			skip[f.Column] = true
		}
	}

	warnings := append([]string{}, entry.Warnings...)
	stats := make([]*regression.ColumnStats, m)
	tvals := make([][]float64, m)
	pvals := make([][]float64, m)
	errs, err := c.executor.Run(ctx, m, func(ctx context.Context, i int) error {
		if skip[i] {
			return nil
		}
		sse, total := 0.0, 0
		for _, sub := range subs {
			sse += sub.SSE[i]
			total += sub.CountY[i]
		}
		sst := 0.0
		for _, sub := range subs {
			d := sub.MeanY[i] - entry.MeanYGlob[i]
			sst += sub.SST[i] + float64(sub.CountY[i])*d*d
		}

		colInv := inv
		if basis, ok := columnBasis(i, varXs, partials); ok {
			var err error
			if colInv, err = solver.Invert(basis); err != nil {
				return err
			}
		}

		dof := entry.DOF[i]
		se, t, p, mse, err := ols.Significance(entry.AvgBeta[i], sse, dof, colInv)
		if err != nil {
			return err
		}
		r2, adj := ols.RSquared(sse, sst, total, k)
		if !ols.AllFinite(sse, sst, mse, r2, adj) {
			return fmt.Errorf("%w: sse=%g sst=%g", core.ErrNonFinite, sse, sst)
		}

		tvals[i], pvals[i] = t, p
		stats[i] = &regression.ColumnStats{
			Column:      i,
			Label:       entry.YLabels[i],
			Beta:        entry.AvgBeta[i],
			SE:          se,
			TValues:     t,
			PValues:     p,
			SSE:         sse,
			SST:         sst,
			MSE:         mse,
			RSquared:    r2,
			RSquaredAdj: adj,
			DOF:         dof,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < m; i++ {
		fresh := -k
		for _, sub := range subs {
			fresh += sub.CountY[i]
		}
		if i < len(entry.DOF) && fresh != entry.DOF[i] {
			warnings = append(warnings, fmt.Sprintf("%s: degrees of freedom from round-2 counts (%d) differ from round 1 (%d); using round 1", entry.YLabels[i], fresh, entry.DOF[i]))
		}
	}

	out := &regression.Remote2Output{
		XLabels:       entry.XLabels,
		YLabels:       entry.YLabels,
		GlobalStats:   []regression.ColumnStats{},
		LocalStats:    entry.LocalStats,
		FailedColumns: append(append([]regression.ColumnFailure{}, entry.FailedColumns...), parallel.Failures(errs, entry.YLabels, "")...),
		Warnings:      warnings,
		Phase:         regression.PhaseRemote2,
	}
	for _, s := range stats {
		if s != nil {
			out.GlobalStats = append(out.GlobalStats, *s)
		}
	}
	sort.SliceStable(out.FailedColumns, func(a, b int) bool {
		return out.FailedColumns[a].Column < out.FailedColumns[b].Column
	})

	c.publish(ctx, req.State, entry, out, stats, tvals, pvals)

	c.logger.Info("remote_2 sites=%d k=%d columns=%d ok=%d failed=%d warnings=%d artifacts=%d elapsed=%s",
		len(sites), k, m, len(out.GlobalStats), len(out.FailedColumns), len(warnings), len(out.Artifacts), time.Since(start))

	return &regression.Response{Output: out, Success: true}, nil
}

// publish renders the global maps and report. Failures only add artifact errors.
func (c *Coordinator) publish(ctx context.Context, state regression.State, entry *regression.CacheEntry, out *regression.Remote2Output, stats []*regression.ColumnStats, tvals, pvals [][]float64) {
	if !c.config.Artifacts.Enabled {
		return
	}
	if c.publisher != nil {
		coef := artifacts.Coefficients{
			Labels: entry.XLabels,
			Beta:   entry.AvgBeta,
			T:      tvals,
			P:      pvals,
			Skip:   make(map[int]bool),
		}
		for i, s := range stats {
			if s == nil {
				coef.Skip[i] = true
			}
		}
		set, problems := c.publisher.Publish(ctx, state, coef)
		out.Artifacts = set
		out.ArtifactErrors = append(out.ArtifactErrors, problems...)
	}
	if c.config.Artifacts.Report && c.reports != nil && state.OutputDirectory != "" {
		if _, err := c.reports.WriteReport(ctx, out, state.OutputDirectory); err != nil {
			out.ArtifactErrors = append(out.ArtifactErrors, fmt.Sprintf("report: %v", err))
		}
	}
	for _, p := range out.ArtifactErrors {
		c.logger.Warn("remote_2 artifact: %s", p)
	}
}
