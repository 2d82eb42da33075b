// Package cache provides the byte-budgeted LRU that the disk-resident store
// keeps in front of its vector file.
//
// Entries are charged against a resource.Controller when one is given; an
// entry that the controller refuses is not cached.
package cache
