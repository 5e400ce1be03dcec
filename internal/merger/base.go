package merger

import (
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const (
	FieldDiskUtilizationPct  = "disk_utilization_pct"
	FieldTenantAllocatedDisk = "tenant_allocated_disk"
	FieldTenantLogDiskUsage  = "tenant_log_disk_usage"
)

// InstanceBase builds the static-attribute record of an instance from its
// listing attributes and detail lookup. Allocation figures missing from the
// details default to 0.
func (m *Merger) InstanceBase(r models.Resource, d models.Details) models.Record {
	rec := models.Record{}
	for k, v := range r.Attributes {
		rec[k] = v
	}
	rec[models.FieldInstanceID] = r.InstanceID

	if !d.Present() {
		m.logger.Debug("Instance details unavailable, using listing attributes",
			zap.String("instance", r.InstanceID))
		if _, ok := rec[models.FieldInstanceName]; !ok {
			rec[models.FieldInstanceName] = models.NotAvailable
		}
		return rec
	}

	rec[models.FieldInstanceName] = d.String("instance_name")
	rec[models.FieldStatus] = d.String("status")
	rec["series"] = d.String("series")
	rec["disk_type"] = d.String("disk_type")
	rec["create_time"] = d.String("create_time")

	res := d.Section("resource")
	if !res.Present() {
		m.logger.Debug("Instance details carry no resource section",
			zap.String("instance", r.InstanceID))
	}

	cpu := res.Section("cpu")
	totalCPU := cpu.Float("total_cpu")
	usedCPU := cpu.Float("used_cpu")
	rec["total_cpu"] = totalCPU
	rec["allocated_cpu"] = usedCPU
	rec["available_cpu"] = available(totalCPU, usedCPU)
	rec["cpu_allocation_pct"] = Ratio(usedCPU, totalCPU)
	rec["unit_cpu"] = cpu.Float("unit_cpu")
	rec["original_total_cpu"] = cpu.FloatOr(totalCPU, "original_total_cpu")

	mem := res.Section("memory")
	totalMem := mem.Float("total_memory")
	usedMem := mem.Float("used_memory")
	rec["total_memory"] = totalMem
	rec["allocated_memory"] = usedMem
	rec["available_memory"] = available(totalMem, usedMem)
	rec["memory_allocation_pct"] = Ratio(usedMem, totalMem)
	rec["unit_memory"] = mem.Float("unit_memory")
	rec["original_total_memory"] = mem.FloatOr(totalMem, "original_total_memory")

	disk := res.Section("disk_size")
	totalDisk := disk.Float("total_disk_size")
	usedDisk := disk.Float("used_disk_size")
	dataUsed := disk.Float("data_used_size")
	rec["total_storage"] = totalDisk
	rec["allocated_storage"] = usedDisk
	rec["actual_data_usage"] = dataUsed
	rec["available_storage"] = available(totalDisk, usedDisk)
	rec["storage_allocation_pct"] = Ratio(usedDisk, totalDisk)
	rec["max_disk_used_pct"] = disk.Float("max_disk_used_percent")
	rec["unit_disk_size"] = disk.Float("unit_disk_size")
	rec["original_total_disk"] = disk.FloatOr(totalDisk, "original_total_disk_size")
	rec[FieldDiskUtilizationPct] = Ratio(dataUsed, totalDisk)

	// log disk sections come in two shapes depending on the backend version
	logDisk := res.Section("log_disk_size")
	totalLog := logDisk.FloatOr(logDisk.Float("total_log_disk"), "total_disk_size")
	assignedLog := logDisk.FloatOr(logDisk.Float("used_log_disk_size"), "log_assigned_size")
	rec["total_log_disk"] = totalLog
	rec["allocated_log_disk"] = assignedLog
	rec["available_log_disk"] = available(totalLog, assignedLog)
	rec["log_disk_allocation_pct"] = Ratio(assignedLog, totalLog)
	rec["max_log_assigned_pct"] = logDisk.Float("max_log_assigned_percent")
	rec["unit_log_disk"] = logDisk.FloatOr(logDisk.Float("unit_log_disk"), "unit_disk_size")
	rec["original_total_log_disk"] = logDisk.FloatOr(totalLog, "original_total_disk_size")

	return rec
}

// TenantBase builds the static-attribute record of a tenant. When the
// details carry no tenant_resource section the flat cpu/mem figures are
// used instead.
func (m *Merger) TenantBase(r models.Resource, instanceName string, d models.Details) models.Record {
	rec := models.Record{}
	for k, v := range r.Attributes {
		rec[k] = v
	}
	rec[models.FieldInstanceID] = r.InstanceID
	rec[models.FieldInstanceName] = instanceName
	rec[models.FieldTenantID] = r.TenantID
	if _, ok := rec["tenant_mode"]; !ok {
		rec["tenant_mode"] = models.NotAvailable
	}

	if !d.Present() {
		m.logger.Debug("Tenant details unavailable, using listing attributes",
			zap.String("tenant", r.String()))
		return rec
	}

	if d.Has("tenant_name") {
		rec[models.FieldTenantName] = d.String("tenant_name")
	}
	rec["tenant_mode"] = d.String("tenant_mode")
	if d.Has("create_time") {
		rec["create_time"] = d.String("create_time")
	}

	rec["max_connections"] = 0.0
	if conns := d.Items("tenant_connections"); len(conns) > 0 {
		rec["max_connections"] = conns[0].Float("max_connection_num")
	}

	res := d.Section("tenant_resource")
	if !res.Present() {
		m.logger.Debug("Tenant details carry no resource section, using flat figures",
			zap.String("tenant", r.String()))
		rec["tenant_allocated_cpu"] = d.Float("cpu")
		rec["tenant_allocated_memory"] = d.Float("mem")
		rec[FieldTenantAllocatedDisk] = 0.0
		rec["tenant_actual_disk_usage"] = 0.0
		rec["tenant_allocated_log_disk"] = 0.0
		rec[FieldTenantLogDiskUsage] = 0.0
		return rec
	}

	rec["tenant_allocated_cpu"] = res.Float("cpu", "total_cpu")
	rec["tenant_allocated_memory"] = res.Float("memory", "total_memory")
	rec["tenant_unit_num"] = res.Float("unit_num")
	// total disk is not reported per tenant; refined later from the data disk metric
	rec[FieldTenantAllocatedDisk] = 0.0
	rec["tenant_actual_disk_usage"] = res.Float("disk_size", "used_disk_size")
	rec["tenant_allocated_log_disk"] = res.Float("log_disk_size", "total_log_disk")
	rec[FieldTenantLogDiskUsage] = 0.0

	return rec
}

func available(total, used float64) float64 {
	if total <= 0 || total < used {
		return 0
	}
	return total - used
}
