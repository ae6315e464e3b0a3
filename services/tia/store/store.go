// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists impact records in git notes.
//
// # Description
//
// Each project owns one notes ref, refs/notes/tia/<project-key>. The note on
// a commit is a JSON payload holding one slot per dependency digest, so a
// build with a different dependency set never overwrites another build's
// data at the same commit.
//
// Lookup walks HEAD's ancestry, nearest first, and returns the first commit
// whose note carries a slot for the requested digest. A record is therefore
// valid for every descendant of the commit it was written at, until a newer
// record with the same digest appears on the path.
//
// Writes are built on a private scratch notes ref and published with a
// compare-and-swap on the real ref. A concurrent writer makes the publish
// fail with ErrConflict.
//
// # Thread Safety
//
// Store is safe for concurrent use. Writes are serialised per Store;
// lookups run concurrently with each other and with writes.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/git"
	"github.com/AleutianAI/AleutianTIA/services/tia/storage/badger"
	"github.com/google/uuid"
)

const (
	// RefPrefix is the namespace of all project notes refs.
	RefPrefix = "refs/notes/tia/"

	// scratchPrefix holds in-progress writes. It lies outside RefPrefix so
	// RemoveAll and ListRefs never see half-built refs.
	scratchPrefix = "refs/notes/tia-scratch/"

	// DefaultMaxDepth bounds the ancestor walk.
	DefaultMaxDepth = 1000
)

// Options configures a Store.
type Options struct {
	// MaxDepth bounds the number of ancestors inspected by Lookup.
	// Values <= 0 use DefaultMaxDepth.
	MaxDepth int

	// Cache holds note payloads by blob id. May be nil.
	Cache *badger.Cache

	// Logger may be nil.
	Logger *slog.Logger
}

// Store is the git-backed impact store of one repository.
type Store struct {
	repo     *git.Repo
	maxDepth int
	cache    *badger.Cache
	logger   *slog.Logger

	// writeMu serialises Store, Remove and RemoveAll.
	writeMu sync.Mutex

	// idxMu guards the valid-at index below.
	idxMu     sync.Mutex
	ancestors struct {
		head string
		ids  []string
	}
	notes map[string]notesIndex

	// beforePublish runs between building the scratch ref and the
	// compare-and-swap. Tests use it to inject a concurrent writer.
	beforePublish func()
}

// notesIndex is a notes listing valid while the ref points at tip.
type notesIndex struct {
	tip   string
	notes map[string]string
}

// New creates a Store over repo.
func New(repo *git.Repo, opts Options) *Store {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:     repo,
		maxDepth: opts.MaxDepth,
		cache:    opts.Cache,
		logger:   logger.With("component", "impact_store"),
		notes:    make(map[string]notesIndex),
	}
}

// Repo returns the underlying repository.
func (s *Store) Repo() *git.Repo {
	return s.repo
}

// RefName returns the notes ref holding a project's records.
//
// The project id is reduced to characters that are always legal in a ref
// name and suffixed with a short hash of the original id, so distinct ids
// never collide after sanitising.
func RefName(project string) string {
	sum := sha256.Sum256([]byte(project))
	return RefPrefix + sanitize(project) + "-" + hex.EncodeToString(sum[:4])
}

func sanitize(project string) string {
	var b strings.Builder
	for _, r := range project {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune('.')
		default:
			b.WriteRune('_')
		}
	}
	key := b.String()
	for strings.Contains(key, "..") {
		key = strings.ReplaceAll(key, "..", "_.")
	}
	return strings.TrimLeft(key, ".")
}

// Lookup returns the record valid at HEAD for (project, d).
//
// # Outputs
//
//   - *Record: The record, with Commit set to the annotated ancestor.
//   - bool: False on a miss (no note, no slot for d, or no commits).
//   - error: Non-nil on invalid input or git failures.
func (s *Store) Lookup(ctx context.Context, project string, d digest.Digest) (*Record, bool, error) {
	d = digest.Normalize(string(d))
	if err := validate(project, d); err != nil {
		return nil, false, err
	}
	ref := RefName(project)

	tip, ok, err := s.repo.ResolveRef(ctx, ref)
	if err != nil {
		return nil, false, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if !ok {
		return nil, false, nil
	}

	head, err := s.repo.Head(ctx)
	if errors.Is(err, git.ErrNoCommits) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ancestors, err := s.ancestorIDs(ctx, head)
	if err != nil {
		return nil, false, err
	}
	notes, err := s.notesFor(ctx, ref, tip)
	if err != nil {
		return nil, false, err
	}

	for _, commit := range ancestors {
		blob, ok := notes[commit]
		if !ok {
			continue
		}
		p, err := s.loadPayload(ctx, blob)
		if errors.Is(err, ErrUnsupportedVersion) {
			s.logger.Warn("Skipping note with unsupported format",
				"project", project, "commit", commit, "error", err)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if rec := p.record(d, commit); rec != nil {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Store attaches rec as the slot for (project, d) on HEAD.
//
// # Description
//
// Other digest slots on HEAD's note are preserved; an existing slot for d
// is replaced. rec is normalised before writing. The write is published
// with a compare-and-swap on the project's notes ref.
//
// # Outputs
//
//   - error: ErrConflict if another writer moved the ref, git.ErrNoCommits
//     on an unborn branch, or a wrapped git failure.
func (s *Store) Store(ctx context.Context, project string, d digest.Digest, rec *Record) error {
	d = digest.Normalize(string(d))
	if err := validate(project, d); err != nil {
		return err
	}
	if rec == nil {
		return ErrNilRecord
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	head, err := s.repo.Head(ctx)
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}

	ref := RefName(project)
	oldTip, exists, err := s.repo.ResolveRef(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}

	p := newPayload(project)
	if exists {
		notes, err := s.notesFor(ctx, ref, oldTip)
		if err != nil {
			return err
		}
		if blob, ok := notes[head]; ok {
			if p, err = s.loadPayload(ctx, blob); err != nil {
				return err
			}
			p.Project = project
		}
	}

	rec.Normalize()
	p.put(d, rec)
	data, err := p.encode()
	if err != nil {
		return err
	}
	blob, err := s.repo.HashObject(ctx, data)
	if err != nil {
		return fmt.Errorf("write note blob: %w", err)
	}

	scratch := scratchPrefix + uuid.NewString()
	defer func() {
		// Background context: the scratch ref must go even if ctx is done.
		if err := s.repo.DeleteRef(context.Background(), scratch, ""); err != nil {
			s.logger.Debug("Failed to delete scratch ref", "ref", scratch, "error", err)
		}
	}()
	if exists {
		if err := s.repo.UpdateRef(ctx, scratch, oldTip, ""); err != nil {
			return fmt.Errorf("create scratch ref: %w", err)
		}
	}
	if err := s.repo.NotesAdd(ctx, scratch, head, blob); err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	newTip, ok, err := s.repo.ResolveRef(ctx, scratch)
	if err != nil || !ok {
		return fmt.Errorf("resolve scratch ref %s: %v", scratch, err)
	}

	if s.beforePublish != nil {
		s.beforePublish()
	}
	if err := s.repo.UpdateRef(ctx, ref, newTip, oldTip); err != nil {
		if errors.Is(err, git.ErrRefMoved) {
			return fmt.Errorf("%w: %s", ErrConflict, project)
		}
		return err
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, blob, data); err != nil {
			s.logger.Debug("Failed to cache note payload", "blob", blob, "error", err)
		}
	}
	s.logger.Debug("Stored impact record",
		"project", project, "digest", string(d), "commit", head, "tests", len(rec.Tests))
	return nil
}

// Remove deletes every record of project. No-op when none exist.
func (s *Store) Remove(ctx context.Context, project string) error {
	if project == "" {
		return ErrInvalidProject
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ref := RefName(project)
	tip, ok, err := s.repo.ResolveRef(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}
	if !ok {
		return nil
	}
	if err := s.repo.DeleteRef(ctx, ref, tip); err != nil {
		if errors.Is(err, git.ErrRefMoved) {
			return fmt.Errorf("%w: %s", ErrConflict, project)
		}
		return err
	}
	s.forget(ref)
	return nil
}

// RemoveAll deletes the records of every project. No-op when none exist.
func (s *Store) RemoveAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	refs, err := s.repo.ListRefs(ctx, RefPrefix)
	if err != nil {
		return fmt.Errorf("list notes refs: %w", err)
	}
	for _, ref := range refs {
		if err := s.repo.DeleteRef(ctx, ref, ""); err != nil {
			return fmt.Errorf("delete %s: %w", ref, err)
		}
		s.forget(ref)
	}
	s.logger.Info("Removed impact records", "refs", len(refs))
	return nil
}

// Projects lists the notes refs currently holding records.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	return s.repo.ListRefs(ctx, RefPrefix)
}

// ancestorIDs returns the bounded ancestry of head, cached per head.
func (s *Store) ancestorIDs(ctx context.Context, head string) ([]string, error) {
	s.idxMu.Lock()
	if s.ancestors.head == head {
		ids := s.ancestors.ids
		s.idxMu.Unlock()
		return ids, nil
	}
	s.idxMu.Unlock()

	ids, err := s.repo.Ancestors(ctx, head, s.maxDepth)
	if err != nil {
		return nil, fmt.Errorf("list ancestors of %s: %w", head, err)
	}

	s.idxMu.Lock()
	s.ancestors.head = head
	s.ancestors.ids = ids
	s.idxMu.Unlock()
	return ids, nil
}

// notesFor returns the commit → blob listing of ref at tip, cached per tip.
func (s *Store) notesFor(ctx context.Context, ref, tip string) (map[string]string, error) {
	s.idxMu.Lock()
	if idx, ok := s.notes[ref]; ok && idx.tip == tip {
		s.idxMu.Unlock()
		return idx.notes, nil
	}
	s.idxMu.Unlock()

	notes, err := s.repo.NotesList(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list notes of %s: %w", ref, err)
	}

	s.idxMu.Lock()
	s.notes[ref] = notesIndex{tip: tip, notes: notes}
	s.idxMu.Unlock()
	return notes, nil
}

func (s *Store) forget(ref string) {
	s.idxMu.Lock()
	delete(s.notes, ref)
	s.idxMu.Unlock()
}

// loadPayload reads and decodes a note blob, consulting the cache first.
func (s *Store) loadPayload(ctx context.Context, blob string) (*payload, error) {
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, blob)
		if err != nil {
			s.logger.Debug("Note payload cache read failed", "blob", blob, "error", err)
		} else if ok {
			return decodePayload(data)
		}
	}

	data, err := s.repo.ReadBlob(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("read note %s: %w", blob, err)
	}
	p, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, blob, data); err != nil {
			s.logger.Debug("Failed to cache note payload", "blob", blob, "error", err)
		}
	}
	return p, nil
}

func validate(project string, d digest.Digest) error {
	if project == "" {
		return ErrInvalidProject
	}
	if !digest.Valid(string(d)) {
		return fmt.Errorf("%w: %q", ErrInvalidDigest, d)
	}
	return nil
}
