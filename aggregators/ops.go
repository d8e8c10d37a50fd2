// Package aggregators folds the multi-version cells of flow-run columns into
// aggregate values. A Scanner wraps a sorted cell iterator and rewrites each
// (row, family, qualifier) version group according to the aggregation
// operation tagged on its newest cell; how aggressively a group is folded
// depends on the Mode the surrounding read, flush or compaction runs in.
package aggregators

import "github.com/INLOpen/flowbase/core"

// Cell tag types interpreted by this package. The write path attaches them
// and scanners read them back; core carries them as opaque bytes.
const (
	// TagTypeOp marks the tag whose value is a column's aggregation
	// operation name.
	TagTypeOp uint8 = 1
	// TagTypeCompactionDimension marks the tag identifying the producer a
	// cell came from, carried through folds for compaction diagnostics.
	TagTypeCompactionDimension uint8 = 2
)

// Op is the aggregation operation governing one column.
type Op uint8

const (
	// OpNone is the absence of an aggregation tag: reads collapse the column
	// to its newest version, persisting modes leave it untouched.
	OpNone Op = iota
	// OpSum folds versions into their sum in every mode.
	OpSum
	// OpMin keeps the smallest version in every mode.
	OpMin
	// OpMax keeps the largest version in every mode.
	OpMax
	// OpLatest keeps only the newest version in every mode.
	OpLatest
	// OpSumFinal sums versions only when the full version set is visible
	// (read, major compaction) and passes through otherwise.
	OpSumFinal
	// OpDist reports a quantile over the versions on reads and passes
	// through in every persisting mode.
	OpDist
)

// String returns the operation's canonical name, which is also the persisted
// tag value and the write-attribute name that selects it.
func (op Op) String() string {
	switch op {
	case OpSum:
		return "SUM"
	case OpMin:
		return "MIN"
	case OpMax:
		return "MAX"
	case OpLatest:
		return "LATEST"
	case OpSumFinal:
		return "SUM_FINAL"
	case OpDist:
		return "DIST"
	default:
		return "NONE"
	}
}

// OpFromName resolves a canonical operation name. Names are exact; they are
// a persisted protocol, not user input.
func OpFromName(name string) (Op, bool) {
	switch name {
	case "SUM":
		return OpSum, true
	case "MIN":
		return OpMin, true
	case "MAX":
		return OpMax, true
	case "LATEST":
		return OpLatest, true
	case "SUM_FINAL":
		return OpSumFinal, true
	case "DIST":
		return OpDist, true
	}
	return OpNone, false
}

// OpFromTags extracts the aggregation operation from a cell's tag set.
// Cells without an operation tag, and tag values naming no known operation,
// resolve to OpNone.
func OpFromTags(tags []core.Tag) Op {
	for _, t := range tags {
		if t.Type != TagTypeOp {
			continue
		}
		if op, ok := OpFromName(string(t.Value)); ok {
			return op
		}
	}
	return OpNone
}

// OpTag builds the tag under which an operation is persisted on a cell.
func OpTag(op Op) core.Tag {
	return core.Tag{Type: TagTypeOp, Value: []byte(op.String())}
}

// Mode is the context an aggregation pass runs in. It is a runtime parameter
// of scanner construction and is never persisted.
type Mode uint8

const (
	// ModeRead serves point lookups and scans: every column collapses to a
	// single aggregated version.
	ModeRead Mode = iota
	// ModeFlush rewrites the memstore on its way to disk.
	ModeFlush
	// ModeMinorCompaction merges a subset of the on-disk files, so not all
	// versions of a column are necessarily visible.
	ModeMinorCompaction
	// ModeMajorCompaction merges every on-disk file; the full version set is
	// visible and final folds are safe.
	ModeMajorCompaction
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "READ"
	case ModeFlush:
		return "FLUSH"
	case ModeMinorCompaction:
		return "MINOR_COMPACTION"
	case ModeMajorCompaction:
		return "MAJOR_COMPACTION"
	default:
		return "UNKNOWN"
	}
}

// action is what a scanner does with one version group.
type action uint8

const (
	// actionPass emits the group's cells unchanged.
	actionPass action = iota
	// actionNewest emits only the group's newest cell.
	actionNewest
	// actionFold combines the group's values into one output cell.
	actionFold
)

// actionIn resolves the fold table: which action an operation takes in a
// given mode. SUM, MIN and MAX are associative, so partial folds compose
// across files and every mode may fold. SUM_FINAL folds only when the whole
// version set is visible. DIST folds only on reads; persisted data keeps the
// raw samples. Untagged columns collapse to newest on reads and are never
// rewritten on disk.
func (op Op) actionIn(mode Mode) action {
	switch op {
	case OpSum, OpMin, OpMax:
		return actionFold
	case OpLatest:
		return actionNewest
	case OpSumFinal:
		if mode == ModeRead || mode == ModeMajorCompaction {
			return actionFold
		}
		return actionPass
	case OpDist:
		if mode == ModeRead {
			return actionFold
		}
		return actionPass
	default:
		if mode == ModeRead {
			return actionNewest
		}
		return actionPass
	}
}
