package table

import (
	"context"
	"fmt"

	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// collectChain walks indirection pointers from start toward RID 0 and returns
// the tail RIDs newest first. The walk also stops at a RID the directory does
// not know, which happens when base pages reached disk after the catalog was
// last written. A hop onto a base record or a revisited RID is an error.
// This method MUST be called with t.mu held.
func (t *Table) collectChain(start RID) ([]RID, error) {
	var chain []RID
	visited := make(map[RID]struct{})
	for cur := start; cur != NoRID; {
		if _, seen := visited[cur]; seen {
			return nil, fmt.Errorf("%w: rid %d in table %s", flushmanager.ErrVersionChainCycle, cur, t.name)
		}
		visited[cur] = struct{}{}

		loc, ok := t.directory[cur]
		if !ok {
			t.logger.Debug("version chain ends at unknown rid", zap.Int64("rid", int64(cur)))
			break
		}
		if loc.Kind != Tail {
			return nil, fmt.Errorf("%w: rid %d in table %s", flushmanager.ErrCorruptChain, cur, t.name)
		}
		chain = append(chain, cur)

		prev, err := t.readSlot(loc, IndirectionColumn)
		if err != nil {
			return nil, err
		}
		cur = RID(prev)
	}
	return chain, nil
}

// appliedVersions is how many of the n tail records, counted from the oldest,
// make up the requested version.
func appliedVersions(n, version int) int {
	if version > 0 {
		version = -version
	}
	applied := n + version
	if applied < 0 {
		return 0
	}
	return applied
}

// replay applies the oldest `applied` entries of a newest-first chain onto the
// base columns. Only the columns flagged in each tail's schema encoding are
// taken from it.
func (t *Table) replay(columns []int64, chain []RID, applied int) ([]int64, error) {
	for i := len(chain) - 1; i >= len(chain)-applied; i-- {
		loc := t.directory[chain[i]]
		schema, err := t.readSlot(loc, SchemaEncodingColumn)
		if err != nil {
			return nil, err
		}
		for col := 0; col < t.numColumns; col++ {
			if schema&(1<<col) == 0 {
				continue
			}
			if columns[col], err = t.readSlot(loc, MetadataColumns+col); err != nil {
				return nil, err
			}
		}
	}
	return columns, nil
}

// dropChain removes tail records from the page directory. Their slots stay
// allocated in the tail pages; only the directory forgets them.
func (t *Table) dropChain(chain []RID) {
	for _, rid := range chain {
		delete(t.directory, rid)
	}
	t.tailRecords -= len(chain)
	t.metrics.TailRecordsUpDownCount.Add(context.Background(), -int64(len(chain)), t.attrs())
}
