package platform

// Package platform contains OS/platform integration: data directory discovery,
// filesystem helpers, and the on-disk layout of downloaded environments.
