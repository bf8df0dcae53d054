// Package crawler defines the types and interfaces shared by the segment
// scanning pipeline: work items, fetch results, capture records, detection
// results, findings and the run statistics they roll up into.
package crawler
