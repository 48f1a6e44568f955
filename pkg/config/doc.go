// Package config loads plugd configuration from an optional YAML file and
// environment variables.
//
// The file named by PLUGD_CONFIG is applied first; PLUGD_* variables override it.
//
// Server settings:
//
//	PLUGD_HOST="0.0.0.0"
//	PLUGD_PORT="8080"
//	PLUGD_SHUTDOWN_TIMEOUT="30s"
//	PLUGD_MAX_UPLOAD_BYTES="33554432"
//
// Storage settings:
//
//	PLUGD_STORAGE_TYPE="sqlite"  # memory, sqlite, postgres
//	PLUGD_SQLITE_PATH="/var/lib/plugd/plugd.db"
//	PLUGD_POSTGRES_URL="postgres://localhost/plugd?sslmode=disable"
//	PLUGD_PACKAGE_STORE="filesystem"  # filesystem, s3
//	PLUGD_ARCHIVE_DIR="/var/lib/plugd/archive"
//	PLUGD_S3_BUCKET="plugd-packages"
//
// Runtime settings:
//
//	PLUGD_WORK_DIR="/var/lib/plugd/work"
//	PLUGD_DROP_DIR="/var/lib/plugd/drop"
//	PLUGD_REDIS_URL="redis://localhost:6379/0"
//	PLUGD_RECONCILE_SCHEDULE="@every 1m"
//
// Observability settings:
//
//	PLUGD_LOG_LEVEL="info"  # trace, debug, info, warn, error
//	PLUGD_LOG_FORMAT="text" # text, json
//	PLUGD_METRICS_ENABLED="true"
//
// The same settings in YAML:
//
//	server:
//	  port: "9000"
//	storage:
//	  type: postgres
//	  postgresUrl: postgres://db/plugd
//	watcher:
//	  dir: /srv/drop
//	  force: true
package config
