package inventory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

// Document is the on-disk inventory: instances with their details and
// tenants. Details keep whatever structure the control plane reported.
type Document struct {
	Instances []Instance `yaml:"instances"`
}

type Instance struct {
	ID         string                 `yaml:"id"`
	Attributes map[string]interface{} `yaml:"attributes"`
	Details    map[string]interface{} `yaml:"details"`
	Tenants    []Tenant               `yaml:"tenants"`
}

type Tenant struct {
	ID         string                 `yaml:"id"`
	Attributes map[string]interface{} `yaml:"attributes"`
	Details    map[string]interface{} `yaml:"details"`
}

// File serves the inventory from a YAML document. The document is re-read
// when the file changes between calls.
type File struct {
	logger *zap.Logger
	path   string

	mu      sync.Mutex
	doc     *Document
	modTime int64
	byID    map[string]*Instance
}

func NewFile(path string, logger *zap.Logger) (*File, error) {
	f := &File{logger: logger, path: path}
	if _, err := f.document(); err != nil {
		return nil, err
	}
	return f, nil
}

// Parse decodes an inventory document and rejects missing or duplicate ids.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	seen := make(map[string]bool, len(doc.Instances))
	for i, inst := range doc.Instances {
		if inst.ID == "" {
			return nil, fmt.Errorf("instance %d has no id", i)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true

		tenants := make(map[string]bool, len(inst.Tenants))
		for j, t := range inst.Tenants {
			if t.ID == "" {
				return nil, fmt.Errorf("tenant %d of instance %s has no id", j, inst.ID)
			}
			if tenants[t.ID] {
				return nil, fmt.Errorf("duplicate tenant id %q in instance %s", t.ID, inst.ID)
			}
			tenants[t.ID] = true
		}
	}
	return &doc, nil
}

func (f *File) document() (map[string]*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat inventory: %w", err)
	}
	if f.doc != nil && info.ModTime().UnixNano() == f.modTime {
		return f.byID, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Instance, len(doc.Instances))
	for i := range doc.Instances {
		byID[doc.Instances[i].ID] = &doc.Instances[i]
	}

	f.doc = doc
	f.byID = byID
	f.modTime = info.ModTime().UnixNano()
	f.logger.Info("Inventory loaded",
		zap.String("path", f.path),
		zap.Int("instances", len(doc.Instances)))
	return byID, nil
}

func (f *File) ListInstances(ctx context.Context) ([]models.Resource, error) {
	if _, err := f.document(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.Resource, 0, len(f.doc.Instances))
	for _, inst := range f.doc.Instances {
		r := models.NewInstance(inst.ID)
		r.Attributes = copyMap(inst.Attributes)
		out = append(out, r)
	}
	return out, nil
}

func (f *File) InstanceDetails(ctx context.Context, instanceID string) (models.Details, error) {
	byID, err := f.document()
	if err != nil {
		return models.Details{}, err
	}

	inst, ok := byID[instanceID]
	if !ok || inst.Details == nil {
		return models.AbsentDetails(), nil
	}
	return models.PresentDetails(inst.Details), nil
}

// ListTenants of an unknown instance is an error: the instance may have
// been passed by id without being in the inventory.
func (f *File) ListTenants(ctx context.Context, instanceID string) ([]models.Resource, error) {
	byID, err := f.document()
	if err != nil {
		return nil, err
	}

	inst, ok := byID[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not in inventory", instanceID)
	}

	out := make([]models.Resource, 0, len(inst.Tenants))
	for _, t := range inst.Tenants {
		r := models.NewTenant(instanceID, t.ID)
		r.Attributes = copyMap(t.Attributes)
		out = append(out, r)
	}
	return out, nil
}

func (f *File) TenantDetails(ctx context.Context, instanceID, tenantID string) (models.Details, error) {
	byID, err := f.document()
	if err != nil {
		return models.Details{}, err
	}

	inst, ok := byID[instanceID]
	if !ok {
		return models.AbsentDetails(), nil
	}
	for _, t := range inst.Tenants {
		if t.ID == tenantID && t.Details != nil {
			return models.PresentDetails(t.Details), nil
		}
	}
	return models.AbsentDetails(), nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
