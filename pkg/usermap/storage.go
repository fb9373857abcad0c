// Copyright 2024-2026 Aiku AI

package usermap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
)

const filePerm os.FileMode = 0o600

// Storage reads and writes backing files.
type Storage interface {
	Exists(ctx context.Context, location string) (bool, error)
	Read(ctx context.Context, location string) ([]byte, error)
	Write(ctx context.Context, location string, data []byte) error
}

// AFSStorage is the default Storage. It accepts local paths as well as any
// URL scheme registered with github.com/viant/afs.
type AFSStorage struct {
	fs afs.Service
}

var _ Storage = (*AFSStorage)(nil)

// NewAFSStorage creates a Storage backed by a new afs service.
func NewAFSStorage() *AFSStorage {
	return &AFSStorage{fs: afs.New()}
}

func (s *AFSStorage) Exists(ctx context.Context, location string) (bool, error) {
	return s.fs.Exists(ctx, location)
}

func (s *AFSStorage) Read(ctx context.Context, location string) ([]byte, error) {
	return s.fs.DownloadWithURL(ctx, location)
}

func (s *AFSStorage) Write(ctx context.Context, location string, data []byte) error {
	return s.fs.Upload(ctx, location, filePerm, bytes.NewReader(data))
}

// resolveLocation turns a relative local path into an absolute one. URLs are
// returned unchanged.
func resolveLocation(filename string) string {
	if strings.Contains(filename, "://") {
		return filename
	}
	if abs, err := filepath.Abs(filename); err == nil {
		return abs
	}
	return filename
}
