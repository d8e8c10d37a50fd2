package core

import "math"

// AllVersions asks a lookup or scan to retain every stored version of each
// column instead of only the newest.
const AllVersions = math.MaxInt32

// GetRequest describes a point lookup against a single row.
type GetRequest struct {
	Row []byte
	// MaxVersions caps how many versions per column the lookup returns.
	// Zero means 1 (newest only); AllVersions retains everything.
	MaxVersions int
}

// EffectiveMaxVersions resolves the zero value to the newest-only default.
func (r *GetRequest) EffectiveMaxVersions() int {
	if r.MaxVersions <= 0 {
		return 1
	}
	return r.MaxVersions
}

// ScanOptions describes a range scan. StartRow is inclusive, StopRow
// exclusive; nil bounds are open.
type ScanOptions struct {
	StartRow []byte
	StopRow  []byte
	// MaxVersions caps how many versions per column the scan yields.
	// Zero means 1 (newest only); AllVersions retains everything.
	MaxVersions int
}

// EffectiveMaxVersions resolves the zero value to the newest-only default.
func (s *ScanOptions) EffectiveMaxVersions() int {
	if s.MaxVersions <= 0 {
		return 1
	}
	return s.MaxVersions
}

// ScanForRow derives the single-row scan a point lookup runs internally.
func (r *GetRequest) ScanForRow() *ScanOptions {
	stop := make([]byte, len(r.Row)+1)
	copy(stop, r.Row)
	// Row keys are compared component-wise, so appending a zero byte yields
	// the smallest strictly greater row.
	return &ScanOptions{
		StartRow:    r.Row,
		StopRow:     stop,
		MaxVersions: r.MaxVersions,
	}
}
