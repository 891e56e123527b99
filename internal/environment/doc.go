package environment

// Package environment resolves VR environments to local asset directories and
// drives the download and unpack pipeline for the ones not yet on disk. The
// Registry answers catalog lookups; the Manager owns the acquisition state.
