package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sushant-115/lstore/core/table"
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
)

const catalogFileName = "metadata.json"

type catalogFile struct {
	Tables []tableEntry `json:"tables"`
}

type tableEntry struct {
	Name           string                 `json:"name"`
	NumColumns     int                    `json:"num_columns"`
	Key            int                    `json:"key"`
	PageCapacity   int                    `json:"page_capacity"`
	RID            int64                  `json:"rid"`
	CurBaseRange   int                    `json:"cur_base_range_index"`
	CurTailRange   int                    `json:"cur_tail_range_index"`
	BaseNumRecords [][]int                `json:"base_num_records"`
	TailNumRecords [][]int                `json:"tail_num_records"`
	PageDirectory  map[table.RID]dirEntry `json:"page_directory"`
	IndexedColumns []int                  `json:"indexed_columns"`
}

// dirEntry is a page directory location encoded as [kind, range, offset].
type dirEntry table.Location

func (e dirEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{string(e.Kind), e.Range, e.Offset})
}

func (e *dirEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("directory entry has %d fields, want 3", len(raw))
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return fmt.Errorf("directory entry kind: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Range); err != nil {
		return fmt.Errorf("directory entry range: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Offset); err != nil {
		return fmt.Errorf("directory entry offset: %w", err)
	}
	e.Kind = table.Kind(kind)
	return nil
}

func (e tableEntry) state() table.State {
	dir := make(map[table.RID]table.Location, len(e.PageDirectory))
	for rid, loc := range e.PageDirectory {
		dir[rid] = table.Location(loc)
	}
	return table.State{
		Config: table.Config{
			Name:         e.Name,
			NumColumns:   e.NumColumns,
			KeyColumn:    e.Key,
			PageCapacity: e.PageCapacity,
		},
		NextRID:      table.RID(e.RID),
		CurBaseRange: e.CurBaseRange,
		CurTailRange: e.CurTailRange,
		Directory:    dir,
	}
}

// registerPages tells the disk manager how many records each persisted page
// holds; the page files carry only slot data.
func (e tableEntry) registerPages(dm *flushmanager.DiskManager) {
	register := func(kind table.Kind, counts [][]int) {
		for r, cols := range counts {
			for c, n := range cols {
				dm.RegisterPage(pagemanager.PageKey{Table: e.Name, Kind: kind, Range: r, Column: c}, n)
			}
		}
	}
	register(table.Base, e.BaseNumRecords)
	register(table.Tail, e.TailNumRecords)
}

func newTableEntry(t *Table) (tableEntry, error) {
	state := t.store.Snapshot()
	base, tail, err := t.store.Occupancy()
	if err != nil {
		return tableEntry{}, fmt.Errorf("collecting occupancy of table %s: %w", state.Name, err)
	}
	dir := make(map[table.RID]dirEntry, len(state.Directory))
	for rid, loc := range state.Directory {
		dir[rid] = dirEntry(loc)
	}
	return tableEntry{
		Name:           state.Name,
		NumColumns:     state.NumColumns,
		Key:            state.KeyColumn,
		PageCapacity:   state.PageCapacity,
		RID:            int64(state.NextRID),
		CurBaseRange:   state.CurBaseRange,
		CurTailRange:   state.CurTailRange,
		BaseNumRecords: base,
		TailNumRecords: tail,
		PageDirectory:  dir,
		IndexedColumns: t.Index.IndexedColumns(),
	}, nil
}

// readCatalog loads the catalog under root. A missing file means a fresh
// database and yields an empty catalog.
func readCatalog(root string) (*catalogFile, error) {
	data, err := os.ReadFile(filepath.Join(root, catalogFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return &catalogFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrCatalogCorrupt, err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrCatalogCorrupt, err)
	}
	seen := make(map[string]struct{}, len(cat.Tables))
	for _, e := range cat.Tables {
		if err := validateTableName(e.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", flushmanager.ErrCatalogCorrupt, err)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: table %q listed twice", flushmanager.ErrCatalogCorrupt, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return &cat, nil
}

func writeCatalog(root string, cat *catalogFile) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	path := filepath.Join(root, catalogFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: writing catalog: %v", flushmanager.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: installing catalog: %v", flushmanager.ErrIO, err)
	}
	return nil
}
