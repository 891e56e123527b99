package download

// Package download implements the download subsystem environment payloads are
// fetched through: a tracked job list, HTTP transfers with resume and retry,
// bounded parallelism, listener callbacks on completion, and persistence of the
// job list across restarts.
