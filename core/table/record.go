package table

// RID identifies one physical record slot, base or tail. RIDs are allocated
// in strictly increasing order starting at 1; 0 means "no further version".
type RID int64

const NoRID RID = 0

// Layout of the metadata columns that precede the user columns in every
// page range.
const (
	IndirectionColumn = iota
	RIDColumn
	TimestampColumn
	SchemaEncodingColumn

	MetadataColumns
)

// Record is the logical view of a base record at some version. It is built on
// demand from the page directory and page contents and never stored as such.
type Record struct {
	RID            RID
	Key            int64
	Columns        []int64
	Indirection    RID
	SchemaEncoding int64
	Timestamp      int64
}

// Location is where a record lives: page kind, range index and the byte offset
// of its slot, identical across every column page of the range.
type Location struct {
	Kind   Kind
	Range  int
	Offset int
}

// Int returns a pointer to v. It is a convenience for building Update values,
// where a nil entry means "column unchanged".
func Int(v int64) *int64 { return &v }
