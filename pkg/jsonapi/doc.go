// Package jsonapi models the parts of a JSON:API response document that
// layout enrichment reads and writes.
//
// Decoding is lossless for everything it does not model: unknown members are
// kept as raw JSON and written back as-is. Whether "data" holds one resource
// or a collection is decided from the JSON shape alone.
package jsonapi
