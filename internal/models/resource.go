package models

import "time"

type ResourceKind int8

const (
	KindUnknown ResourceKind = iota
	KindInstance
	KindTenant
)

func (k ResourceKind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindTenant:
		return "tenant"
	default:
		return "unknown"
	}
}

// Field names shared by the collector, the snapshot writer and the rollup.
const (
	FieldInstanceID   = "instance_id"
	FieldInstanceName = "instance_name"
	FieldTenantID     = "tenant_id"
	FieldTenantName   = "tenant_name"
	FieldStatus       = "status"
)

const NotAvailable = "N/A"

// Resource is an instance or a tenant inside an instance. Attributes carry
// whatever the inventory listing returned; identity never changes.
type Resource struct {
	Kind       ResourceKind
	InstanceID string
	TenantID   string
	Attributes map[string]interface{}
}

func NewInstance(instanceID string) Resource {
	return Resource{Kind: KindInstance, InstanceID: instanceID}
}

func NewTenant(instanceID, tenantID string) Resource {
	return Resource{Kind: KindTenant, InstanceID: instanceID, TenantID: tenantID}
}

// ResourceID is the comparable identity tuple of a resource.
type ResourceID struct {
	Kind       ResourceKind
	InstanceID string
	TenantID   string
}

// ID returns the identity tuple. Two resources with the same kind and ids
// always share an ID, regardless of attributes.
func (r Resource) ID() ResourceID {
	return ResourceID{Kind: r.Kind, InstanceID: r.InstanceID, TenantID: r.TenantID}
}

func (r Resource) String() string {
	if r.Kind == KindTenant {
		return r.InstanceID + "/" + r.TenantID
	}
	return r.InstanceID
}

type Sample struct {
	Timestamp time.Time
	Value     float64
}

func SampleValues(samples []Sample) []float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	return values
}

// Summary is the avg/min/max/p95 reduction of one metric over one window.
// The Raw* fields keep the pre-capping values.
type Summary struct {
	Avg    float64
	Min    float64
	Max    float64
	P95    float64
	RawAvg float64
	RawMin float64
	RawMax float64
	RawP95 float64
	Count  int
	Capped bool
}

type Window struct {
	Start  time.Time
	End    time.Time
	Period time.Duration
}
