// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint computes content fingerprints for exercised entities.
//
// # Description
//
// An entity is a fully-qualified class name such as "org.acme.Foo" or
// "org.acme.Foo$Inner". It resolves to the relative path "org/acme/Foo.class"
// and is looked up in an ordered list of roots. A root is either a directory
// (module class output) or a jar/zip file (a reactor dependency). The first
// match wins and its bytes are hashed with SHA-256.
//
// An entity found in no root is External: it comes from a pinned third-party
// artifact, whose changes are caught by the dependency digest instead.
//
// The same function runs when a report is written and when disabled tests
// are computed, so recorded and current fingerprints compare as strings.
//
// # Thread Safety
//
// Fingerprinter is safe for concurrent use.
package fingerprint

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// External is the fingerprint of an entity not found in any local root.
const External = "external"

// Prefix marks a content fingerprint.
const Prefix = "sha256:"

// DefaultCacheSize is the number of file hashes and jar indexes kept.
const DefaultCacheSize = 4096

// DefaultConcurrency bounds parallel hashing in FingerprintAll.
const DefaultConcurrency = 8

// ErrEmptyEntity indicates an empty entity name.
var ErrEmptyEntity = errors.New("entity must not be empty")

// Fingerprinter resolves entities against roots and hashes their content.
type Fingerprinter struct {
	files       *lru.Cache[string, string]
	jars        *lru.Cache[string, map[string]string]
	concurrency int

	// jarMu serialises jar indexing so that concurrent lookups in the same
	// jar do not index it twice.
	jarMu sync.Mutex
}

// New creates a Fingerprinter.
//
// # Inputs
//
//   - cacheSize: Entries per cache. Values <= 0 use DefaultCacheSize.
//
// # Outputs
//
//   - *Fingerprinter: Ready to use.
//   - error: Non-nil if the caches cannot be created.
func New(cacheSize int) (*Fingerprinter, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	files, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create file cache: %w", err)
	}
	jars, err := lru.New[string, map[string]string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create jar cache: %w", err)
	}
	return &Fingerprinter{
		files:       files,
		jars:        jars,
		concurrency: DefaultConcurrency,
	}, nil
}

// EntityPath maps an entity to its slash-separated class file path.
func EntityPath(entity string) string {
	return strings.ReplaceAll(entity, ".", "/") + ".class"
}

// Fingerprint returns the fingerprint of one entity.
//
// # Inputs
//
//   - roots: Ordered directories and jar files. Missing roots and regular
//     files that are not archives (a pom, say) are skipped.
//   - entity: Fully-qualified class name.
//
// # Outputs
//
//   - string: "sha256:<hex>" for a local entity, External otherwise.
//   - error: Non-nil if a matching file exists but cannot be read.
func (f *Fingerprinter) Fingerprint(roots []string, entity string) (string, error) {
	if entity == "" {
		return "", ErrEmptyEntity
	}
	rel := EntityPath(entity)

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if info.IsDir() {
			fp, ok, err := f.fromDir(root, rel)
			if err != nil {
				return "", err
			}
			if ok {
				return fp, nil
			}
			continue
		}
		if !isArchive(root, info) {
			continue
		}
		fp, ok, err := f.fromJar(root, info, rel)
		if err != nil {
			return "", err
		}
		if ok {
			return fp, nil
		}
	}
	return External, nil
}

var archiveExts = map[string]bool{".jar": true, ".zip": true, ".war": true, ".ear": true}

// isArchive reports whether a regular file can hold class files: a known
// archive extension, or the zip local file header magic. A corrupt .jar is
// still an archive, so its read error surfaces.
func isArchive(path string, info fs.FileInfo) bool {
	if !info.Mode().IsRegular() {
		return false
	}
	if archiveExts[strings.ToLower(filepath.Ext(path))] {
		return true
	}
	fh, err := os.Open(path)
	if err != nil {
		return false
	}
	defer fh.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(fh, magic); err != nil {
		return false
	}
	return string(magic) == "PK\x03\x04"
}

// FingerprintAll fingerprints every entity in parallel.
//
// # Outputs
//
//   - map[string]string: Entity to fingerprint, one entry per distinct entity.
//   - error: First read failure, or ctx cancellation.
func (f *Fingerprinter) FingerprintAll(ctx context.Context, roots []string, entities []string) (map[string]string, error) {
	unique := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		unique[e] = struct{}{}
	}

	var mu sync.Mutex
	out := make(map[string]string, len(unique))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for entity := range unique {
		entity := entity
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fp, err := f.Fingerprint(roots, entity)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", entity, err)
			}
			mu.Lock()
			out[entity] = fp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fingerprinter) fromDir(root, rel string) (string, bool, error) {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	if info.IsDir() {
		return "", false, nil
	}

	key := cacheKey(path, info)
	if fp, ok := f.files.Get(key); ok {
		return fp, true, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer file.Close()

	fp, err := hashReader(file)
	if err != nil {
		return "", false, fmt.Errorf("hash %s: %w", path, err)
	}
	f.files.Add(key, fp)
	return fp, true, nil
}

func (f *Fingerprinter) fromJar(path string, info fs.FileInfo, rel string) (string, bool, error) {
	index, err := f.jarIndex(path, info)
	if err != nil {
		return "", false, err
	}
	fp, ok := index[rel]
	return fp, ok, nil
}

// jarIndex hashes every .class entry of a jar once per (path, size, mtime).
func (f *Fingerprinter) jarIndex(path string, info fs.FileInfo) (map[string]string, error) {
	key := cacheKey(path, info)
	if index, ok := f.jars.Get(key); ok {
		return index, nil
	}

	f.jarMu.Lock()
	defer f.jarMu.Unlock()
	if index, ok := f.jars.Get(key); ok {
		return index, nil
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open jar %s: %w", path, err)
	}
	defer r.Close()

	index := make(map[string]string)
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() || !strings.HasSuffix(entry.Name, ".class") {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s!%s: %w", path, entry.Name, err)
		}
		fp, err := hashReader(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("hash %s!%s: %w", path, entry.Name, err)
		}
		index[entry.Name] = fp
	}
	f.jars.Add(key, index)
	return index, nil
}

func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

func cacheKey(path string, info fs.FileInfo) string {
	return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
}
