// Package docstore implements the two-tier cache's persistent side: a
// flat-document collection keyed by (anchor, instance_type, id),
// backed by PostgreSQL, with upsert-returning-prior for diffing and a
// blob-spillover table for oversized documents — the Postgres/sqlx
// analogue of the Mongo-backed document cache this engine was modeled
// on.
package docstore

// Document is the wire and cache unit: a flat map of field name to
// scalar, plus the reserved fields every document carries.
type Document map[string]any

const (
	fieldID           = "id"
	fieldInstanceType = "_instance_type"
	fieldTstamp       = "_tstamp"
	fieldOperation    = "_operation"
	fieldUserKey      = "_user_key"
	fieldDeleted      = "_deleted"
	fieldGridRef      = "_grid_ref"
)

const (
	OperationInitialState = "initial_state"
	OperationCreate       = "create"
	OperationUpdate       = "update"
	OperationDelete       = "delete"
)

func (d Document) ID() string {
	return stringField(d, fieldID)
}

func (d Document) InstanceType() string {
	return stringField(d, fieldInstanceType)
}

func (d Document) Operation() string {
	return stringField(d, fieldOperation)
}

func (d Document) UserKey() (string, bool) {
	v, ok := d[fieldUserKey]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (d Document) Deleted() bool {
	v, ok := d[fieldDeleted]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (d Document) Tstamp() float64 {
	v, ok := d[fieldTstamp]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func (d Document) GridRef() (string, bool) {
	v, ok := d[fieldGridRef]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func stringField(d Document, key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Clone returns a shallow copy, used before mutating a document in
// place (e.g. stripping keys during minimal-delta computation) so the
// original stays usable by other callers.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
