// Package storage abstracts the blob store that holds encrypted payloads
// and grant files. External SaaS providers plug in behind the same
// interface; the pebble provider serves local development and load runs.
package storage

import "context"

// Provider persists opaque blobs and returns retrievable URLs.
type Provider interface {
	// Upload stores data under a name and returns the blob's URL.
	Upload(ctx context.Context, name string, data []byte) (string, error)
	// Download fetches a blob previously returned by Upload.
	Download(ctx context.Context, url string) ([]byte, error)
}
