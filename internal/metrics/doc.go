/*
Package metrics exports client metrics in the prometheus format.

A Collector implements types.MetricsCollector, so the cache, the relocation
manager and the client record into it directly. It owns a private registry
and, once started, serves three endpoints on port_http_server:

	/metrics           prometheus and OpenMetrics exposition
	/health            {"status":"healthy","service":"geds-metrics"}
	/debug/operations  per-operation summary as plain text

Exported series, with the default "geds" namespace:

	geds_operations_total{operation,status}
	geds_operation_duration_seconds{operation}
	geds_operation_size_bytes{operation}
	geds_cache_requests_total{type,tier}
	geds_cache_evictions_total{tier}
	geds_cache_size_bytes{tier}
	geds_relocation_objects_total{status}
	geds_relocation_bytes_total
	geds_relocation_duration_seconds
	geds_errors_total{operation,code}

Errors are labelled with their GEDS error code (NOT_FOUND, UNAVAILABLE, ...)
rather than classified from the message text. Keep label values low
cardinality: operation names and tiers, never keys.
*/
package metrics
