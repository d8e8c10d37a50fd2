package aggregators

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/INLOpen/flowbase/core"
	"github.com/caio/go-tdigest/v4"
)

// DefaultReadQuantile is the quantile DIST columns report when the
// environment does not configure one.
const DefaultReadQuantile = 0.95

// Environment carries the host context a Scanner runs under.
type Environment struct {
	// Logger receives pass diagnostics; nil falls back to slog.Default().
	Logger *slog.Logger
	// ReadQuantile is the quantile DIST columns report on the read path.
	// Values outside (0, 1) fall back to DefaultReadQuantile.
	ReadQuantile float64
}

var _ core.CellIterator = (*Scanner)(nil)

// Scanner rewrites each column's version group per the fold table. The inner
// iterator must yield cells in key order (row, family, qualifier ascending,
// timestamp descending); a group is a consecutive run of one column and its
// first cell is the newest version.
type Scanner struct {
	inner    core.CellIterator
	mode     Mode
	quantile float64
	logger   *slog.Logger

	// peeked holds the first cell of the next group between group reads.
	peeked    *core.Cell
	hasPeeked bool

	// pending buffers the current group's output cells.
	pending []*core.Cell
	current *core.Cell
	err     error

	groups   int
	cellsIn  int
	cellsOut int
}

// NewScanner wraps inner in an aggregation pass running in the given mode.
// scan, when non-nil, describes the read the pass serves. Read-mode
// aggregation is only correct over a scan retaining every version, so a
// version-capped read scan is rejected rather than silently under-folded.
// The scanner owns inner; Close releases it on every path.
func NewScanner(env Environment, scan *core.ScanOptions, inner core.CellIterator, mode Mode) (*Scanner, error) {
	if inner == nil {
		return nil, fmt.Errorf("aggregating scanner needs an inner iterator")
	}
	if mode == ModeRead && scan != nil && scan.EffectiveMaxVersions() != core.AllVersions {
		return nil, fmt.Errorf("read aggregation needs every version, scan retains %d", scan.EffectiveMaxVersions())
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	quantile := env.ReadQuantile
	if quantile <= 0 || quantile >= 1 {
		quantile = DefaultReadQuantile
	}
	return &Scanner{
		inner:    inner,
		mode:     mode,
		quantile: quantile,
		logger:   logger,
	}, nil
}

func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		group, ok := s.readGroup()
		if !ok {
			s.current = nil
			return false
		}
		if err := s.processGroup(group); err != nil {
			s.err = err
			s.current = nil
			return false
		}
		// A fully masked group emits nothing; move on to the next one.
	}
}

// At returns the current output cell. Folded cells are freshly built and own
// their buffers; passed-through cells are the inner iterator's own.
func (s *Scanner) At() (*core.Cell, error) {
	return s.current, nil
}

func (s *Scanner) Error() error { return s.err }

// Close closes the inner iterator. The scanner owns it for the lifetime of
// the pass, so callers release the raw scanner by closing the wrapper.
func (s *Scanner) Close() error {
	s.logger.Debug("aggregation pass closed",
		"mode", s.mode.String(),
		"groups", s.groups,
		"cells_in", s.cellsIn,
		"cells_out", s.cellsOut)
	s.pending = nil
	s.current = nil
	return s.inner.Close()
}

// readGroup collects the consecutive cells addressing one column. ok is
// false once the inner iterator is exhausted or has failed.
func (s *Scanner) readGroup() (group []*core.Cell, ok bool) {
	first, ok := s.peekCell()
	if !ok {
		return nil, false
	}
	s.consumeCell()
	group = append(group, first)
	for {
		next, ok := s.peekCell()
		if !ok || !next.SameColumn(first) {
			break
		}
		s.consumeCell()
		group = append(group, next)
	}
	if s.err != nil {
		return nil, false
	}
	return group, true
}

func (s *Scanner) peekCell() (*core.Cell, bool) {
	if s.hasPeeked {
		return s.peeked, true
	}
	if s.inner.Next() {
		cell, err := s.inner.At()
		if err != nil {
			s.err = err
			return nil, false
		}
		s.peeked = cell
		s.hasPeeked = true
		return cell, true
	}
	if err := s.inner.Error(); err != nil {
		s.err = err
	}
	return nil, false
}

func (s *Scanner) consumeCell() {
	s.peeked = nil
	s.hasPeeked = false
}

// processGroup rewrites one version group into s.pending.
func (s *Scanner) processGroup(group []*core.Cell) error {
	s.groups++
	s.cellsIn += len(group)

	// Split the group at the first tombstone: versions below it are masked.
	live := group
	var tombstone *core.Cell
	for i, c := range group {
		if c.Kind == core.CellDelete {
			live, tombstone = group[:i], c
			break
		}
	}

	// A tombstone newer than every put settles the group by itself: readers
	// see nothing, a major compaction sees every file and may collect it,
	// and any other persisting pass must keep the group unchanged because
	// unmerged files may still hold versions the tombstone masks.
	if len(live) == 0 {
		if s.mode != ModeRead && s.mode != ModeMajorCompaction {
			s.emit(group...)
		}
		return nil
	}

	op := OpFromTags(live[0].Tags)
	switch op.actionIn(s.mode) {
	case actionPass:
		s.emit(group...)
	case actionNewest:
		s.emit(live[0])
		s.retainTombstone(tombstone)
	case actionFold:
		folded, err := s.foldGroup(op, live)
		if err != nil {
			return err
		}
		s.emit(folded)
		s.retainTombstone(tombstone)
	}
	return nil
}

// retainTombstone re-emits the group's masking tombstone in modes that do
// not see every file, so versions living in unmerged files stay masked.
func (s *Scanner) retainTombstone(tombstone *core.Cell) {
	if tombstone == nil {
		return
	}
	if s.mode == ModeFlush || s.mode == ModeMinorCompaction {
		s.emit(tombstone)
	}
}

// foldGroup combines the live versions of one column into a single cell
// carrying the newest input's timestamp and tag set. Non-finite values are
// ignored, matching how series aggregation treats them elsewhere; a group
// with no usable sample falls back to its newest cell unchanged.
func (s *Scanner) foldGroup(op Op, live []*core.Cell) (*core.Cell, error) {
	newest := live[0]
	if len(live) == 1 {
		return newest, nil
	}

	var td *tdigest.TDigest
	if op == OpDist {
		var err error
		td, err = tdigest.New()
		if err != nil {
			return nil, fmt.Errorf("tdigest.New failed: %w", err)
		}
	}

	var (
		sum    float64
		minVal = math.Inf(1)
		maxVal = math.Inf(-1)
		folded int
	)
	for _, c := range live {
		v, err := core.DecodeMetricValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("decode value for %s fold of row %q column %q: %w", op, c.Row, c.Qualifier, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		folded++
		switch op {
		case OpSum, OpSumFinal:
			sum += v
		case OpMin:
			if v < minVal {
				minVal = v
			}
		case OpMax:
			if v > maxVal {
				maxVal = v
			}
		case OpDist:
			if err := td.AddWeighted(v, 1); err != nil {
				return nil, fmt.Errorf("tdigest AddWeighted failed: %w", err)
			}
		}
	}
	if folded == 0 {
		return newest, nil
	}

	var result float64
	switch op {
	case OpSum, OpSumFinal:
		result = sum
	case OpMin:
		result = minVal
	case OpMax:
		result = maxVal
	case OpDist:
		result = td.Quantile(s.quantile)
	}
	return &core.Cell{
		Row:       newest.Row,
		Family:    newest.Family,
		Qualifier: newest.Qualifier,
		Timestamp: newest.Timestamp,
		Kind:      core.CellPut,
		Tags:      newest.Tags,
		Value:     core.EncodeMetricValue(result),
	}, nil
}

func (s *Scanner) emit(cells ...*core.Cell) {
	s.pending = append(s.pending, cells...)
	s.cellsOut += len(cells)
}
