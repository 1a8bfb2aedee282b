package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

// SortOrder orders runs by start time
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ParseSortOrder converts a sort order name; empty means descending
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(s) {
	case "", "desc":
		return SortDesc, nil
	case "asc":
		return SortAsc, nil
	default:
		return "", fmt.Errorf("unsupported sort order: %s", s)
	}
}

// Filter selects runs. Empty fields match everything.
type Filter struct {
	State    state.Status
	Username string
	RunIDs   []string
	// Tags are "key:value" strings; every pair must be present.
	// Strings without a colon or with an empty key are ignored.
	Tags []string
}

type tagPair struct {
	key, value string
}

// tagPairs returns the well-formed tag filters, sorted and deduplicated
func (f Filter) tagPairs() []tagPair {
	var pairs []tagPair
	for _, raw := range f.Tags {
		k, v, ok := strings.Cut(raw, ":")
		if !ok || k == "" {
			continue
		}
		pairs = append(pairs, tagPair{key: k, value: v})
	}
	slices.SortFunc(pairs, func(a, b tagPair) int {
		if c := strings.Compare(a.key, b.key); c != 0 {
			return c
		}
		return strings.Compare(a.value, b.value)
	})
	return slices.Compact(pairs)
}

// where renders the filter as a SQL condition over the runs table
func (f Filter) where() (string, []any) {
	conds := []string{"1 = 1"}
	var args []any

	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State.String())
	}
	if f.Username != "" {
		conds = append(conds, "username = ?")
		args = append(args, f.Username)
	}
	if len(f.RunIDs) > 0 {
		conds = append(conds, "run_id IN (?"+strings.Repeat(", ?", len(f.RunIDs)-1)+")")
		for _, id := range f.RunIDs {
			args = append(args, id)
		}
	}
	for _, p := range f.tagPairs() {
		conds = append(conds, "EXISTS (SELECT 1 FROM run_tags t WHERE t.run_id = runs.run_id AND t.key = ? AND t.value = ?)")
		args = append(args, p.key, p.value)
	}
	return strings.Join(conds, " AND "), args
}

// scope fingerprints the filter so a token cannot be replayed under another one
func (f Filter) scope() string {
	ids := slices.Clone(f.RunIDs)
	slices.Sort(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "state=%s\x00user=%s\x00ids=%s", f.State, f.Username, strings.Join(ids, ","))
	for _, p := range f.tagPairs() {
		fmt.Fprintf(&b, "\x00tag=%s:%s", p.key, p.value)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// QueryOptions controls one page of results
type QueryOptions struct {
	Filter    Filter
	Sort      SortOrder
	PageToken string
	PageSize  int
}

// Page is one page of summaries. NextPageToken is empty on the last page.
type Page struct {
	Runs          []run.Summary
	NextPageToken string
}

// Query returns a page of summaries sorted by start time, ties broken by run id
func (s *Store) Query(ctx context.Context, opts QueryOptions) (Page, error) {
	order := opts.Sort
	if order == "" {
		order = SortDesc
	}
	size := opts.PageSize
	if size <= 0 {
		size = s.defaultPageSize
	}
	size = min(size, s.maxPageSize)

	where, args := opts.Filter.where()
	scope := opts.Filter.scope()

	if opts.PageToken != "" {
		c, err := s.signer.decode(opts.PageToken)
		if err != nil {
			return Page{}, err
		}
		if c.Scope != scope || c.Order != string(order) {
			return Page{}, ErrInvalidPageToken
		}
		cmp := ">"
		if order == SortDesc {
			cmp = "<"
		}
		where += fmt.Sprintf(" AND (start_time, run_id) %s (?, ?)", cmp)
		args = append(args, c.StartTime, c.RunID)
	}

	dir := "ASC"
	if order == SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY start_time %s, run_id %s LIMIT ?`,
		summaryColumns, where, dir, dir)
	args = append(args, size+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := Page{Runs: []run.Summary{}}
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return Page{}, err
		}
		page.Runs = append(page.Runs, summary)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("failed to read runs: %w", err)
	}

	if len(page.Runs) > size {
		page.Runs = page.Runs[:size]
		last := page.Runs[size-1]
		token, err := s.signer.encode(cursor{
			StartTime: formatTime(last.StartTime),
			RunID:     last.RunID,
			Order:     string(order),
			Scope:     scope,
		})
		if err != nil {
			return Page{}, fmt.Errorf("failed to sign page token: %w", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Count returns the number of runs matching filter
func (s *Store) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}
