package core

import (
	"errors"
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}

func TestParseRunID(t *testing.T) {
	if got := ParseRunID("  "); got != DefaultRunID {
		t.Errorf("Expected default run ID for blank input, got %q", got)
	}
	if got := ParseRunID("run-7"); got != "run-7" {
		t.Errorf("Expected run-7, got %q", got)
	}
}

func TestParseSiteID(t *testing.T) {
	if _, err := ParseSiteID(""); err == nil {
		t.Error("Expected error for empty site ID")
	}
	id, err := ParseSiteID("site_A")
	if err != nil || id.String() != "site_A" {
		t.Errorf("Unexpected parse result %q, %v", id, err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		protocol  bool
		numerical bool
		schema    bool
	}{
		{"lambda", ErrLambdaMismatch, true, false, false},
		{"phase", NewUnknownPhaseError("local_9"), true, false, false},
		{"singular", ErrSingularMatrix, false, true, false},
		{"dof", ErrInsufficientDOF, false, true, false},
		{"schema", NewDimensionError("XtransposeX_local", 3, 3, 2, 3), false, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if IsProtocolError(tc.err) != tc.protocol {
				t.Errorf("IsProtocolError = %v, want %v", !tc.protocol, tc.protocol)
			}
			if IsNumericalError(tc.err) != tc.numerical {
				t.Errorf("IsNumericalError = %v, want %v", !tc.numerical, tc.numerical)
			}
			if IsSchemaError(tc.err) != tc.schema {
				t.Errorf("IsSchemaError = %v, want %v", !tc.schema, tc.schema)
			}
		})
	}

	if !errors.Is(NewSchemaError("X_labels", "length differs"), ErrSchemaMismatch) {
		t.Error("Expected schema error to wrap ErrSchemaMismatch")
	}
}
