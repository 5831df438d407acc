package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID represents a domain identifier
type ID string

// NewID creates a new unique identifier using UUID v7 for time-ordered generation
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return ID(id.String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// Domain-specific ID types
type (
	RunID   ID
	SiteID  ID
	CacheID ID
)

func (id RunID) String() string   { return ID(id).String() }
func (id SiteID) String() string  { return ID(id).String() }
func (id CacheID) String() string { return ID(id).String() }

// DefaultRunID is used when the orchestrator does not name the run.
const DefaultRunID RunID = "default"

// ParseRunID parses a string into RunID, falling back to DefaultRunID for blanks
func ParseRunID(s string) RunID {
	if strings.TrimSpace(s) == "" {
		return DefaultRunID
	}
	return RunID(s)
}

// ParseSiteID parses a string into SiteID
func ParseSiteID(s string) (SiteID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("site ID cannot be empty")
	}
	return SiteID(s), nil
}

// NewCacheID stamps a coordinator cache entry.
func NewCacheID() CacheID {
	return CacheID(NewID())
}
