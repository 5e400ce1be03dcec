package catalog

func Default() *Catalog {
	return &Catalog{
		Version:  CurrentVersion,
		Instance: defaultInstanceMetrics(),
		Tenant:   defaultTenantMetrics(),
	}
}

func pct(key, prefix string) Metric {
	return Metric{Key: key, Prefix: prefix, Percentage: true, Unit: UnitPercent, Available: true}
}

func gauge(key, prefix, unit string) Metric {
	return Metric{Key: key, Prefix: prefix, Unit: unit, Available: true}
}

func unavailable(m Metric) Metric {
	m.Available = false
	return m
}

func defaultInstanceMetrics() []Metric {
	return []Metric{
		pct("cpu_usage", "cpu"),
		pct("cpu_percent", "cpu_percent"),
		pct("memory_percent", "memory"),
		pct("memstore_percent", "memstore_percent"),
		gauge("qps", "qps", "count/s"),
		gauge("tps", "tps", "count/s"),
		gauge("qps_rt", "qps_rt_ms", "ms"),
		gauge("tps_rt", "tps_rt_ms", "ms"),
		gauge("active_session", "active_sessions", "count"),
		gauge("io_read_bytes", "io_read_bytes_per_sec", "bytes/s"),
		gauge("io_write_bytes", "io_write_bytes_per_sec", "bytes/s"),

		// rejected by the monitoring backend at instance level
		unavailable(gauge("data_size", "data_size_gb", "GB")),
		unavailable(pct("disk_usage", "disk_usage_percent")),
		unavailable(gauge("disk_used", "disk_used_gb", "GB")),
		unavailable(gauge("disk_total", "disk_total_gb", "GB")),
		unavailable(gauge("network_in", "network_in_bytes_per_sec", "bytes/s")),
		unavailable(gauge("network_out", "network_out_bytes_per_sec", "bytes/s")),
		unavailable(gauge("connection_count", "connection_count", "count")),
		unavailable(gauge("max_connections", "max_connections_limit", "count")),
		unavailable(pct("cache_hit_rate", "cache_hit_rate_percent")),
		unavailable(gauge("io_read_times", "io_read_ops_per_sec", "count/s")),
		unavailable(gauge("io_write_times", "io_write_ops_per_sec", "count/s")),
		unavailable(pct("io_util", "io_util_percent")),
		unavailable(gauge("sql_count", "sql_count_per_sec", "count/s")),
		unavailable(gauge("sql_rt", "sql_rt_ms", "ms")),
		unavailable(gauge("sql_select", "sql_select_per_sec", "count/s")),
		unavailable(gauge("sql_insert", "sql_insert_per_sec", "count/s")),
		unavailable(gauge("sql_update", "sql_update_per_sec", "count/s")),
		unavailable(gauge("sql_delete", "sql_delete_per_sec", "count/s")),
	}
}

func defaultTenantMetrics() []Metric {
	return []Metric{
		pct("cpu_usage_percent_tenant", "cpu_usage_percent"),
		pct("memory_usage_tenant", "memory_usage_percent"),
		gauge("active_sessions_tenant", "sessions", "count"),
		gauge("all_session", "connection", "count"),
		gauge("sql_all_count", "qps", "count/s"),
		gauge("sql_all_rt", "sql_avg_rt_ms", "ms"),
		gauge("sql_select_count", "sql_select_qps", "count/s"),
		gauge("sql_insert_count", "sql_insert_qps", "count/s"),
		gauge("sql_update_count", "sql_update_qps", "count/s"),
		gauge("sql_delete_count", "sql_delete_qps", "count/s"),
		gauge("sql_replace_count", "sql_replace_qps", "count/s"),
		gauge("transaction_count", "tps", "count/s"),
		gauge("transaction_partition_count", "transaction_partition_tps", "count/s"),
		gauge("trans_commit_log_count", "trans_commit_log_count", "count/s"),
		gauge("trans_commit_log_sync_rt", "trans_commit_log_sync_rt_ms", "ms"),
		gauge("clog_trans_log_total_size", "clog_trans_log_size_mb", "MB"),
		gauge("io_read_count", "io_read_ops_per_sec", "count/s"),
		gauge("io_write_count", "io_write_ops_per_sec", "count/s"),
		gauge("io_read_rt", "io_read_rt_us", "us"),
		gauge("io_write_rt", "io_write_rt_us", "us"),
		gauge("request_queue_time", "request_queue_time_us", "us"),
		gauge("ob_tenant_log_disk_total_bytes", "log_disk_total_bytes", UnitBytes),
		gauge("ob_tenant_log_disk_used_bytes", "log_disk_used_bytes", UnitBytes),
		gauge("ob_tenant_data_disk_total_bytes", "data_disk_total_bytes", UnitBytes),
		gauge("net_recv", "network_recv_bytes_per_sec", "bytes/s"),
		gauge("net_send", "network_sent_bytes_per_sec", "bytes/s"),

		unavailable(gauge("cpu_usage_avg_cores_tenant", "cpu_usage_avg_cores", "count")),
		unavailable(pct("memstore_percent_tenant", "memstore_percent")),
		unavailable(gauge("memstore_used_tenant", "memstore_used_mb", "MB")),
		unavailable(gauge("memstore_total_tenant", "memstore_total_mb", "MB")),
		// often NaN
		unavailable(gauge("transaction_rt", "transaction_avg_rt_us", "us")),
		unavailable(gauge("io_count", "io_ops_per_sec", "count/s")),
		unavailable(gauge("io_rt", "io_avg_rt_us", "us")),
		unavailable(gauge("io_size", "io_throughput_bytes", "bytes/s")),
		unavailable(gauge("io_read_size", "io_read_bytes_per_sec", "bytes/s")),
		unavailable(gauge("io_write_size", "io_write_bytes_per_sec", "bytes/s")),
		unavailable(pct("cache_hit", "cache_hit_rate_percent")),
		unavailable(gauge("cache_size", "cache_size_mb", "MB")),
		unavailable(gauge("ob_waiteven_count", "wait_event_count", "count")),
		unavailable(gauge("ob_sql_event", "sql_event_count", "count")),
		unavailable(gauge("ob_tenant_server_required_size", "server_required_size_gb", "GB")),
		unavailable(gauge("ob_tenant_server_data_size", "data_size_gb", "GB")),
		unavailable(gauge("ob_tenant_binlog_disk_used", "binlog_disk_used_gb", "GB")),
		unavailable(gauge("uptime", "uptime_seconds", "s")),
	}
}
