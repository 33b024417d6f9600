/*
Package config provides configuration management for the GEDS client.

Configuration is assembled from three sources, lowest priority first:

 1. Compiled-in defaults (NewDefault)
 2. A YAML file (LoadFromFile)
 3. GEDS_* environment variables (LoadFromEnv)

Load applies all three and validates the result.

# Defaults

	metadata_service_address: localhost:4381
	metadata_backend:         redis
	listen_address:           0.0.0.0
	hostname:                 "null"   # unset
	port:                     4382
	port_http_server:         4380     # 0 disables the metrics endpoint
	local_storage_path:       /tmp/GEDS_XXXXXX
	cache_block_size:         32MiB
	available_local_storage:  100GiB
	available_local_memory:   16GiB
	cache_objects_from_s3:    false
	force_relocation_when_stopping: false
	pub_sub_enabled:          false

Byte sizes accept either a plain integer or a suffixed string such as "32MiB"
or "4GB"; both spellings use binary multiples.

# Environment Variables

Every top-level key maps to GEDS_<KEY in upper case>, for example
GEDS_CACHE_BLOCK_SIZE=8MiB or GEDS_PUB_SUB_ENABLED=true. Logging is controlled
by GEDS_LOG_LEVEL, GEDS_LOG_FORMAT and GEDS_LOG_FILE.
*/
package config
