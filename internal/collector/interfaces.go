package collector

import (
	"context"
	"time"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

// Dimension keys used to scope a metric query to one resource.
const (
	DimensionInstance = "instanceId"
	DimensionTenant   = "tenantId"
)

type Query struct {
	Metric     string
	Dimensions map[string]string
	Start      time.Time
	End        time.Time
	Period     time.Duration
}

// MetricsQuerier returns the samples of one metric for one resource. A
// metric the backend does not know yields no samples and no error.
// Implementations own their per-call timeout.
type MetricsQuerier interface {
	Query(ctx context.Context, q Query) ([]models.Sample, error)
}

// Inventory lists resources and looks up their static attributes. Details
// of an unknown resource are absent, not an error.
type Inventory interface {
	ListInstances(ctx context.Context) ([]models.Resource, error)
	InstanceDetails(ctx context.Context, instanceID string) (models.Details, error)
	ListTenants(ctx context.Context, instanceID string) ([]models.Resource, error)
	TenantDetails(ctx context.Context, instanceID, tenantID string) (models.Details, error)
}

func Dimensions(r models.Resource) map[string]string {
	dims := map[string]string{DimensionInstance: r.InstanceID}
	if r.Kind == models.KindTenant {
		dims[DimensionTenant] = r.TenantID
	}
	return dims
}
