package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/segment"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentSegmentLoads bounds how many segment files are opened in
// parallel during startup.
const maxConcurrentSegmentLoads = 4

// StateLoader is responsible for rebuilding the engine's segment set from
// disk when a region starts. It reconciles the manifest against the segment
// directory: the manifest supplies the authoritative oldest-to-freshest
// order, while the directory listing decides which files actually exist.
type StateLoader struct {
	opts   RegionOptions
	engine *RegionEngine
	logger *slog.Logger
}

// NewStateLoader creates a loader bound to the given engine.
func NewStateLoader(engine *RegionEngine) *StateLoader {
	return &StateLoader{
		opts:   engine.opts,
		engine: engine,
		logger: engine.logger.With("component", "StateLoader"),
	}
}

// Load discovers segment files, resolves their read order, and opens them.
// Segments present on disk but missing from the manifest (a flush whose
// manifest update never landed) are appended at the freshest end, sorted by
// ID. Manifest entries whose file is gone are skipped with a warning.
func (sl *StateLoader) Load() error {
	sl.logger.Info("Loading region state from disk...")

	onDisk, maxID, err := sl.scanSegmentDir()
	if err != nil {
		return err
	}

	manifestIDs, found, err := readManifest(sl.opts.DataDir)
	if err != nil {
		sl.logger.Warn("Segment manifest is unreadable; falling back to ID order.", "error", err)
		manifestIDs, found = nil, false
	}

	ordered := make([]uint64, 0, len(onDisk))
	if found {
		var maxManifestID uint64
		for _, id := range manifestIDs {
			if id > maxManifestID {
				maxManifestID = id
			}
			if _, ok := onDisk[id]; !ok {
				sl.logger.Warn("Manifest references a segment file that is missing on disk; skipping it.", "segment_id", id)
				continue
			}
			ordered = append(ordered, id)
			delete(onDisk, id)
		}
		if len(onDisk) > 0 {
			extras := make([]uint64, 0, len(onDisk))
			for id := range onDisk {
				extras = append(extras, id)
			}
			sort.Slice(extras, func(i, j int) bool { return extras[i] < extras[j] })
			for _, id := range extras {
				// IDs above the manifest's high water mark belong to segments
				// written after the last successful manifest update; adopt them
				// as the freshest entries. IDs below it can only be compaction
				// inputs that were retired but never removed from disk, so
				// loading them would resurrect compacted-away cells.
				if id > maxManifestID {
					sl.logger.Info("Found segment file missing from manifest; loading it as freshest.", "segment_id", id)
					ordered = append(ordered, id)
					continue
				}
				orphanPath := onDisk[id]
				sl.logger.Warn("Removing orphaned segment file retired by an earlier compaction.", "segment_id", id, "path", orphanPath)
				if removeErr := os.Remove(orphanPath); removeErr != nil {
					sl.logger.Warn("Failed to remove orphaned segment file.", "path", orphanPath, "error", removeErr)
				}
			}
		}
	} else {
		if len(onDisk) > 0 {
			sl.logger.Info("No segment manifest found; ordering segments by file ID.")
		}
		for id := range onDisk {
			ordered = append(ordered, id)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	}

	readers, err := sl.loadSegments(ordered)
	if err != nil {
		return err
	}

	sl.engine.mu.Lock()
	sl.engine.segments = readers
	sl.engine.mu.Unlock()
	sl.engine.nextSegmentID.Store(maxID)

	sl.logger.Info("State loading completed successfully.", "segments", len(readers), "max_segment_id", maxID)
	return nil
}

// scanSegmentDir lists the segment directory, removing orphaned temp files
// left behind by an interrupted flush or compaction. It returns the IDs and
// paths of the segment files found, along with the highest ID seen.
func (sl *StateLoader) scanSegmentDir() (map[uint64]string, uint64, error) {
	dirEntries, err := os.ReadDir(sl.engine.segDir)
	if err != nil {
		if os.IsNotExist(err) {
			sl.logger.Info("Segment directory does not exist, nothing to load.")
			return map[uint64]string{}, 0, nil
		}
		return nil, 0, fmt.Errorf("error reading segment directory %s: %w", sl.engine.segDir, err)
	}

	onDisk := make(map[uint64]string)
	var maxID uint64
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, core.SegmentTempSuffix) {
			tmpPath := filepath.Join(sl.engine.segDir, name)
			sl.logger.Info("Removing orphaned temporary segment file.", "path", tmpPath)
			if removeErr := os.Remove(tmpPath); removeErr != nil {
				sl.logger.Warn("Failed to remove orphaned temporary segment file.", "path", tmpPath, "error", removeErr)
			}
			continue
		}
		if !strings.HasSuffix(name, core.SegmentFileSuffix) {
			continue
		}
		id, parseErr := core.ParseSegmentFileName(name)
		if parseErr != nil {
			sl.logger.Warn("Error parsing segment ID from filename, skipping file.", "filename", name, "error", parseErr)
			continue
		}
		onDisk[id] = filepath.Join(sl.engine.segDir, name)
		if id > maxID {
			maxID = id
		}
	}
	return onDisk, maxID, nil
}

// loadSegments opens the given segment files concurrently while preserving
// their order in the returned slice. A failure to open any file fails the
// whole load; already opened readers are closed before returning.
func (sl *StateLoader) loadSegments(ids []uint64) ([]*segment.Reader, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	readers := make([]*segment.Reader, len(ids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentSegmentLoads)

	for i, id := range ids {
		g.Go(func() error {
			path := filepath.Join(sl.engine.segDir, core.FormatSegmentFileName(id))
			reader, loadErr := segment.Load(segment.LoadOptions{
				FilePath:   path,
				ID:         id,
				BlockCache: sl.engine.blockCache,
				Tracer:     sl.engine.tracer,
				Logger:     sl.engine.logger,
			})
			if loadErr != nil {
				return fmt.Errorf("failed to load segment %d from %s: %w", id, path, loadErr)
			}
			sl.logger.Info("Loaded segment.", "segment_id", id, "cells", reader.CellCount(), "size_bytes", reader.Size())
			readers[i] = reader
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, r := range readers {
			if r != nil {
				r.Close()
			}
		}
		return nil, err
	}
	return readers, nil
}
