package models

import "time"

// Snapshot is one dated export of records of a single kind.
type Snapshot struct {
	Kind    ResourceKind
	Path    string
	Date    time.Time
	Stamp   string // YYYYMMDD date token as found in the artifact name
	Records []Record
}

type RollupRecord struct {
	Kind         ResourceKind
	Resource     Resource
	Fields       Record
	PeriodStart  string
	PeriodEnd    string
	NumSnapshots int
}

const (
	FieldPeriodStart  = "period_start"
	FieldPeriodEnd    = "period_end"
	FieldNumSnapshots = "num_snapshots"
)

// Flatten returns the rollup as an exportable record including the period
// metadata columns.
func (r RollupRecord) Flatten() Record {
	out := r.Fields.Clone()
	out[FieldInstanceID] = r.Resource.InstanceID
	if r.Kind == KindTenant {
		out[FieldTenantID] = r.Resource.TenantID
	}
	out[FieldPeriodStart] = r.PeriodStart
	out[FieldPeriodEnd] = r.PeriodEnd
	out[FieldNumSnapshots] = r.NumSnapshots
	return out
}
