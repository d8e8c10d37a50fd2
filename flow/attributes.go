package flow

import (
	"sort"

	"github.com/INLOpen/flowbase/aggregators"
	"github.com/INLOpen/flowbase/core"
)

// AttrApplicationID is the write attribute carrying the identifier of the
// producer a batch of aggregate cells came from. It converts to a
// compaction-dimension tag rather than an operation tag.
const AttrApplicationID = "APPLICATION_ID"

// TagsFromAttributes converts a batch's attributes into the tag set the
// aggregation scanners read back from cells. Each attribute maps to exactly
// one tag: an aggregation operation name selects that operation's tag, and
// APPLICATION_ID selects a compaction-dimension tag holding the attribute
// value. Keys are processed in sorted order so the result is deterministic.
// An attribute with no tag mapping fails the whole conversion with a
// *core.AttributeError.
func TagsFromAttributes(attrs map[string][]byte) ([]core.Tag, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := make([]core.Tag, 0, len(names))
	for _, name := range names {
		if op, ok := aggregators.OpFromName(name); ok {
			tags = append(tags, aggregators.OpTag(op))
			continue
		}
		if name == AttrApplicationID {
			tags = append(tags, core.Tag{Type: aggregators.TagTypeCompactionDimension, Value: attrs[name]})
			continue
		}
		return nil, &core.AttributeError{Name: name, Message: "no tag type defined for attribute"}
	}
	return tags, nil
}
