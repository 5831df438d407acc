package regression

import (
	"encoding/json"
	"time"
)

// Phase is the computation_phase discriminator carried by every protocol message.
type Phase string

const (
	PhaseLocal0  Phase = "local_0"
	PhaseLocal1  Phase = "local_1"
	PhaseLocal2  Phase = "local_2"
	PhaseRemote0 Phase = "remote_0"
	PhaseRemote1 Phase = "remote_1"
	PhaseRemote2 Phase = "remote_2"
)

// String returns the wire form of the phase
func (p Phase) String() string {
	return string(p)
}

// ConstLabel names the intercept column of every design matrix.
const ConstLabel = "const"

// SiteColumnPrefix prefixes the site-indicator columns in X_labels.
const SiteColumnPrefix = "site_"

// SiteColumn returns the X_labels entry for a site identifier.
func SiteColumn(siteID string) string {
	return SiteColumnPrefix + siteID
}

// State is the per-invocation context the orchestrator hands to a participant.
type State struct {
	ClientID        string `json:"clientId"`
	BaseDirectory   string `json:"baseDirectory,omitempty"`
	OutputDirectory string `json:"outputDirectory,omitempty"`
	CacheDirectory  string `json:"cacheDirectory,omitempty"`
	RunID           string `json:"runId,omitempty"`
}

// Request is the document a participant reads for one round.
type Request struct {
	Input json.RawMessage `json:"input"`
	State State           `json:"state"`
	Cache json.RawMessage `json:"cache,omitempty"`
}

// Response is the document a participant writes for one round.
type Response struct {
	Output  interface{} `json:"output"`
	Cache   interface{} `json:"cache,omitempty"`
	Success bool        `json:"success"`
}

// SiteSpec is the local_0 input: where a site finds its own covariates and responses.
type SiteSpec struct {
	Covariates     *Table   `json:"covariates,omitempty"`
	CovariatesFile string   `json:"covariates_file,omitempty"`
	Data           *Table   `json:"data,omitempty"`
	DataFile       string   `json:"data_file,omitempty"`
	Categorical    []string `json:"categorical,omitempty"`
	Lambda         *float64 `json:"lambda,omitempty"`
}

// Vocabulary is the globally agreed encoding schema produced by round 0.
type Vocabulary struct {
	CovarKeys     map[string][]string `json:"covar_keys"`
	SiteCovarList []string            `json:"site_covar_list"`
	ReferenceSite string              `json:"reference_site,omitempty"`
}

// LocalCache is a site's private cache between rounds. It never leaves the site.
type LocalCache struct {
	SiteID      string      `json:"site_id"`
	Covariates  Table       `json:"covariates"`
	Data        Table       `json:"data"`
	Categorical []string    `json:"categorical,omitempty"`
	Lambda      float64     `json:"lambda"`
	Vocabulary  *Vocabulary `json:"vocabulary,omitempty"`
	XLabels     []string    `json:"X_labels,omitempty"`
}

// Local0Output carries the site's categorical vocabulary.
type Local0Output struct {
	SiteID          string              `json:"site_id"`
	CategoricalDict map[string][]string `json:"categorical_dict"`
	Phase           Phase               `json:"computation_phase"`
}

// Remote0Output is the global vocabulary returned to every site.
type Remote0Output struct {
	CovarKeys         map[string][]string `json:"covar_keys"`
	GlobalUniqueCount map[string]int      `json:"global_unique_count"`
	SiteCovarList     []string            `json:"site_covar_list"`
	ReferenceSite     string              `json:"reference_site"`
	Mask              string              `json:"mask,omitempty"`
	Phase             Phase               `json:"computation_phase"`
}

// Vocabulary extracts the encoding schema from a round-0 result.
func (o Remote0Output) Vocabulary() Vocabulary {
	return Vocabulary{CovarKeys: o.CovarKeys, SiteCovarList: o.SiteCovarList, ReferenceSite: o.ReferenceSite}
}

// LocalFit is the per-column diagnostic fit a site computes on its own rows.
type LocalFit struct {
	Column      int       `json:"column"`
	Label       string    `json:"label"`
	Beta        []float64 `json:"beta"`
	SSE         float64   `json:"sse"`
	PValues     []float64 `json:"pval"`
	TValues     []float64 `json:"tval"`
	RSquared    float64   `json:"rsquared"`
	RSquaredAdj float64   `json:"rsquared_adj"`
	Count       int       `json:"count"`
}

// ColumnFailure reports one response column that could not be computed.
type ColumnFailure struct {
	Column  int    `json:"column"`
	Label   string `json:"label,omitempty"`
	Site    string `json:"site,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LocalRound1 is the site's round-1 submission of sufficient statistics.
type LocalRound1 struct {
	XtX           [][]float64     `json:"XtransposeX_local"`
	XtY           [][]float64     `json:"Xtransposey_local"`
	MeanY         []float64       `json:"mean_y_local"`
	CountY        []int           `json:"count_local"`
	Lambda        float64         `json:"lambda"`
	LocalStats    []LocalFit      `json:"local_stats_list"`
	FailedColumns []ColumnFailure `json:"failed_columns,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	XLabels       []string        `json:"X_labels"`
	YLabels       []string        `json:"y_labels"`
	SchemaHash    string          `json:"schema_hash"`
	Artifacts     ArtifactSet     `json:"artifacts,omitempty"`
	Phase         Phase           `json:"computation_phase"`

	// XtXPartial holds XᵗX over the complete rows of each response column
	// that has missing entries at this site.
	XtXPartial map[int][][]float64 `json:"XtransposeX_partial,omitempty"`
}

// Remote1Output carries the global coefficients back to the sites.
type Remote1Output struct {
	AvgBeta   [][]float64 `json:"avg_beta_vector"`
	MeanYGlob []float64   `json:"mean_y_global"`
	Phase     Phase       `json:"computation_phase"`
}

// CacheEntry is the coordinator state persisted between round 1 and round 2.
type CacheEntry struct {
	CacheID    string                `json:"cache_id"`
	RunID      string                `json:"run_id"`
	CreatedAt  time.Time             `json:"created_at"`
	AvgBeta    [][]float64           `json:"avg_beta_vector"`
	MeanYGlob  []float64             `json:"mean_y_global"`
	DOF        []int                 `json:"dof_global"`
	Counts     map[string][]int      `json:"count_local"`
	XLabels    []string              `json:"X_labels"`
	YLabels    []string              `json:"y_labels"`
	Lambda     float64               `json:"lambda"`
	Strategy   string                `json:"strategy"`
	Sites      []string              `json:"sites"`
	LocalStats map[string][]LocalFit `json:"local_stats_dict"`

	// FailedColumns lists columns with no global coefficients; round 2 skips them.
	FailedColumns []ColumnFailure `json:"failed_columns,omitempty"`
	// Warnings are site-level notices carried through to the round-2 output.
	Warnings []string `json:"warnings,omitempty"`
}

// LocalRound2 is the site's round-2 submission, computed against the global coefficients.
type LocalRound2 struct {
	SSE    []float64   `json:"SSE_local"`
	SST    []float64   `json:"SST_local"`
	VarX   [][]float64 `json:"varX_matrix_local"`
	MeanY  []float64   `json:"mean_y_local"`
	CountY []int       `json:"count_local"`
	Phase  Phase       `json:"computation_phase"`

	// VarXPartial mirrors LocalRound1.XtXPartial for the variance basis.
	VarXPartial map[int][][]float64 `json:"varX_matrix_partial,omitempty"`
}

// ColumnStats holds the final global statistics for one response column,
// positionally keyed to X_labels.
type ColumnStats struct {
	Column      int       `json:"column"`
	Label       string    `json:"label"`
	Beta        []float64 `json:"beta"`
	SE          []float64 `json:"se"`
	TValues     []float64 `json:"tval"`
	PValues     []float64 `json:"pval"`
	SSE         float64   `json:"sse"`
	SST         float64   `json:"sst"`
	MSE         float64   `json:"mse"`
	RSquared    float64   `json:"rsquared"`
	RSquaredAdj float64   `json:"rsquared_adj"`
	DOF         int       `json:"dof"`
}

// ArtifactSet maps artifact file names to base64 contents.
type ArtifactSet map[string]string

// Remote2Output is the terminal result of the protocol.
type Remote2Output struct {
	XLabels        []string              `json:"X_labels"`
	YLabels        []string              `json:"y_labels"`
	GlobalStats    []ColumnStats         `json:"global_stats"`
	LocalStats     map[string][]LocalFit `json:"local_stats"`
	FailedColumns  []ColumnFailure       `json:"failed_columns,omitempty"`
	Warnings       []string              `json:"warnings,omitempty"`
	Artifacts      ArtifactSet           `json:"artifacts,omitempty"`
	ArtifactErrors []string              `json:"artifact_errors,omitempty"`
	Phase          Phase                 `json:"computation_phase"`
}
