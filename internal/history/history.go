// SPDX-License-Identifier: AGPL-3.0-only
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fluffyriot/gabrelay/internal/parser"
)

// Store keeps one durable record per account: the account's posts as a single
// JSON document, newest-first.
type Store struct {
	Dir string
}

func (s *Store) path(account string) string {
	return filepath.Join(s.Dir, account+".json")
}

// Read loads the stored history for account. A record that does not exist yet
// or is empty is an empty history, not an error; a record that exists but
// cannot be decoded is surfaced so the caller aborts before writing anything.
func (s *Store) Read(account string) ([]parser.Post, error) {
	if account == "" {
		return nil, fmt.Errorf("no account provided")
	}

	raw, err := os.ReadFile(s.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", account, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var posts []parser.Post
	if err := json.Unmarshal(raw, &posts); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", account, err)
	}
	return posts, nil
}

// Write publishes the whole record atomically: the document is encoded into a
// scratch file in the same directory and renamed over the old record, so a
// concurrent reader never sees a partial write.
func (s *Store) Write(account string, posts []parser.Post) error {
	if account == "" {
		return fmt.Errorf("no account provided")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, account+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create scratch file for %s: %w", account, err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(posts); err != nil {
		tmp.Close()
		return fmt.Errorf("encode history for %s: %w", account, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close scratch file for %s: %w", account, err)
	}

	if err := os.Rename(tmp.Name(), s.path(account)); err != nil {
		return fmt.Errorf("publish history for %s: %w", account, err)
	}
	return nil
}

// DetectNovel returns the fresh posts whose id is absent from stored, in their
// original order. A novel quoting post whose quoted id is already stored is
// followed by that stored post, object and all, so the quote context survives
// the polling boundary. Each id is emitted at most once per batch, even when
// several fresh posts quote the same stored target.
func DetectNovel(fresh, stored []parser.Post) []parser.Post {
	storedByID := make(map[string]parser.Post, len(stored))
	for _, p := range stored {
		storedByID[p.ID] = p
	}

	var novel []parser.Post
	emitted := make(map[string]bool, len(fresh))
	for _, f := range fresh {
		if _, present := storedByID[f.ID]; present {
			continue
		}
		if emitted[f.ID] {
			continue
		}
		novel = append(novel, f)
		emitted[f.ID] = true

		if f.HasQuote && !emitted[f.IDQuote] {
			if q, ok := storedByID[f.IDQuote]; ok {
				novel = append(novel, q)
				emitted[f.IDQuote] = true
			}
		}
	}
	return novel
}

// Commit prepends novel at the head of account's history, prunes the tail down
// to maxStored and publishes the result atomically. An entry of novel that is
// already stored (a resurfaced quoted post) moves to the front instead of
// duplicating, which also keeps it clear of this cycle's eviction.
//
// Evicting a tail entry cascades to its quote counterpart: the quoted post of
// a quoting entry, or the quoting entries of a quoted one. Cascading may push
// the list below maxStored; referential closure outranks the exact bound.
func (s *Store) Commit(account string, novel []parser.Post, maxStored int) error {
	stored, err := s.Read(account)
	if err != nil {
		return err
	}

	// The merge keeps ids unique: a duplicate inside novel collapses to its
	// first occurrence, and a stored entry resurfacing in novel moves to the
	// front instead of appearing twice.
	seen := make(map[string]bool, len(novel)+len(stored))
	merged := make([]parser.Post, 0, len(novel)+len(stored))
	for _, p := range novel {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		merged = append(merged, p)
	}
	for _, p := range stored {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		merged = append(merged, p)
	}

	for len(merged) > maxStored {
		evicted := merged[len(merged)-1]
		merged = merged[:len(merged)-1]

		// The quoted target goes with its evicted quoter only once no other
		// surviving entry still quotes it.
		if evicted.HasQuote && !anyQuotes(merged, evicted.IDQuote) {
			merged = removeMatching(merged, func(p parser.Post) bool {
				return p.ID == evicted.IDQuote
			})
		}
		if evicted.IsQuoted {
			merged = removeMatching(merged, func(p parser.Post) bool {
				return p.IDQuote == evicted.ID
			})
		}
	}

	return s.Write(account, merged)
}

func anyQuotes(posts []parser.Post, id string) bool {
	for _, p := range posts {
		if p.HasQuote && p.IDQuote == id {
			return true
		}
	}
	return false
}

func removeMatching(posts []parser.Post, match func(parser.Post) bool) []parser.Post {
	out := make([]parser.Post, 0, len(posts))
	for _, p := range posts {
		if match(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
