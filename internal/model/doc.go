package model

// Package model defines domain data structures shared across the app: environments,
// download jobs and records, status enums, and unpack lifecycle events. Structures are
// plain values so they can be copied out of services as snapshots.
