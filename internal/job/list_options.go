package job

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing jobs.
type SortOrder int

const (
	// SortByCreatedDesc orders jobs by CreatedAt descending (newest first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders jobs by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how jobs are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	AgentID    string
	Purchaser  string
	Statuses   []Status
	CreatedGTE time.Time
	CreatedLTE time.Time
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Purchaser = strings.TrimSpace(opts.Purchaser)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching jobs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithAgent filters jobs submitted to a single agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

// WithPurchaser filters jobs by purchaser identifier.
func WithPurchaser(purchaser string) ListOption {
	return func(opts *ListOptions) {
		opts.Purchaser = purchaser
	}
}

// WithStatuses filters jobs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCreatedSince keeps jobs created at or after ts.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedGTE = ts
	}
}

// WithCreatedUntil keeps jobs created at or before ts.
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedLTE = ts
	}
}

// WithSortOrder changes the returned order of jobs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(j *Job) bool {
	if opts.AgentID != "" && j.AgentID != opts.AgentID {
		return false
	}
	if opts.Purchaser != "" && j.PurchaserIdentifier != opts.Purchaser {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if j.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !opts.CreatedGTE.IsZero() && j.CreatedAt.Before(opts.CreatedGTE) {
		return false
	}
	if !opts.CreatedLTE.IsZero() && j.CreatedAt.After(opts.CreatedLTE) {
		return false
	}
	return true
}
