package ports

import (
	"context"

	"fedreg/domain/regression"
)

// TableReader loads a covariate or response table from a file (xlsx or csv).
type TableReader interface {
	ReadTable(ctx context.Context, path string) (regression.Table, error)
}
