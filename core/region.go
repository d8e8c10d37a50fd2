package core

// RegionInfo identifies the slice of a table an engine instance serves.
// Observers attached to the engine use it to decide whether their hooks
// apply; the engine itself only logs it.
type RegionInfo struct {
	// Table is the name of the table this region belongs to.
	Table string
	// Region is the region's identifier within the table.
	Region string
}

// String renders the region for log output.
func (r RegionInfo) String() string {
	if r.Region == "" {
		return r.Table
	}
	return r.Table + "/" + r.Region
}
