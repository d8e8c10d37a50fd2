// inspect-segment prints the metadata of a segment file: header, block
// index, row filter cardinality and footer counts, and optionally every
// cell in key order.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/segment"
)

func formatKey(key []byte) string {
	row, family, qualifier, ts, err := core.DecodeCellKey(key)
	if err != nil {
		return fmt.Sprintf("%x", key)
	}
	return fmt.Sprintf("%s/%s:%s@%d", row, family, qualifier, ts)
}

func formatValue(c *core.Cell) string {
	if c.Kind == core.CellDelete {
		return "<tombstone>"
	}
	if v, err := core.DecodeMetricValue(c.Value); err == nil {
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("0x%x", c.Value)
}

func formatTags(tags []core.Tag) string {
	if len(tags) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, fmt.Sprintf("%d:%s", t.Type, t.Value))
	}
	return strings.Join(parts, ",")
}

func main() {
	var file string
	var dumpCells bool
	var deepVerify bool
	flag.StringVar(&file, "file", "", "segment file path")
	flag.BoolVar(&dumpCells, "cells", false, "dump every cell")
	flag.BoolVar(&deepVerify, "verify", false, "verify data block checksums")
	flag.Parse()
	if file == "" {
		log.Fatal("provide -file")
	}

	id, err := core.ParseSegmentFileName(filepath.Base(file))
	if err != nil {
		id = 0
	}

	r, err := segment.Load(segment.LoadOptions{
		FilePath: file,
		ID:       id,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		log.Fatalf("segment.Load failed: %v", err)
	}
	defer r.Close()

	fmt.Printf("Segment %s\n", file)
	fmt.Printf("  id:          %d\n", r.ID())
	fmt.Printf("  format:      v%d\n", r.FormatVersion())
	fmt.Printf("  created:     %s\n", r.CreatedAt().UTC().Format(time.RFC3339))
	fmt.Printf("  compression: %s\n", r.CompressionType())
	fmt.Printf("  size:        %d bytes\n", r.Size())
	fmt.Printf("  cells:       %d (%d tombstones)\n", r.CellCount(), r.TombstoneCount())
	fmt.Printf("  row filter:  %d distinct rows\n", r.RowFilter().Cardinality())
	fmt.Printf("  min key:     %s\n", formatKey(r.MinKey()))
	fmt.Printf("  max key:     %s\n", formatKey(r.MaxKey()))

	entries := r.BlockIndex().Entries()
	fmt.Printf("Block index (%d blocks):\n", len(entries))
	for i, entry := range entries {
		fmt.Printf("  %03d: offset=%-10d length=%-8d first=%s\n",
			i, entry.BlockOffset, entry.BlockLength, formatKey(entry.FirstKey))
	}

	if deepVerify {
		if err := r.VerifyIntegrity(true); err != nil {
			log.Fatalf("integrity check failed: %v", err)
		}
		fmt.Println("Integrity check passed.")
	}

	if dumpCells {
		it, err := r.NewIterator(nil, nil)
		if err != nil {
			log.Fatalf("failed to open cell iterator: %v", err)
		}
		defer it.Close()

		fmt.Println("Cells:")
		n := 0
		for it.Next() {
			c, err := it.At()
			if err != nil {
				log.Fatalf("failed to read cell %d: %v", n, err)
			}
			fmt.Printf("  %05d: %s/%s:%s @%d kind=%c value=%s tags=%s\n",
				n, c.Row, c.Family, c.Qualifier, c.Timestamp, c.Kind, formatValue(c), formatTags(c.Tags))
			n++
		}
		if err := it.Error(); err != nil {
			log.Fatalf("cell iteration failed: %v", err)
		}
	}
}
