// Package mmap maps dump files and local blobs read-only.
//
// OpenRecords is the Load path: it maps a record file sequentially and
// rejects files that do not hold the records a segment manifest promises.
// Bytes must not be used after Close.
package mmap
