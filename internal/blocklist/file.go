// Package blocklist keeps the set of peers a node refuses to talk to.
//
// The list lives in a plain text file, one peer per line:
//
//	12D3KooW...  # spammer in #lobby
//
// Blank lines and lines starting with '#' are ignored.
package blocklist

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrAlreadyBlocked = errors.New("peer already blocked")
	ErrNotBlocked     = errors.New("peer not blocked")
)

// Entry is one blocked peer and its optional note.
type Entry struct {
	PeerID  peer.ID
	Comment string
}

// parseLine splits a line into its peer ID text and comment. Both are
// empty for blank and comment-only lines.
func parseLine(line string) (id, comment string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", ""
	}
	id, comment, _ = strings.Cut(line, "#")
	return strings.TrimSpace(id), strings.TrimSpace(comment)
}

// List reads every entry in path. A missing file is an empty list. A line
// that does not hold a valid peer ID is an error, so a typo never silently
// unblocks someone.
func List(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		idText, comment := parseLine(sc.Text())
		if idText == "" {
			continue
		}
		id, err := peer.Decode(idText)
		if err != nil {
			return nil, fmt.Errorf("blocklist %s line %d: invalid peer ID %q: %w", path, n, idText, err)
		}
		entries = append(entries, Entry{PeerID: id, Comment: comment})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return entries, nil
}

// Load returns the blocked peers in path as a set.
func Load(path string) (map[peer.ID]struct{}, error) {
	entries, err := List(path)
	if err != nil {
		return nil, err
	}
	set := make(map[peer.ID]struct{}, len(entries))
	for _, e := range entries {
		set[e.PeerID] = struct{}{}
	}
	return set, nil
}

// Add appends id to the blocklist, creating the file if needed.
func Add(path, idText, comment string) error {
	id, err := peer.Decode(strings.TrimSpace(idText))
	if err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	set, err := Load(path)
	if err != nil {
		return err
	}
	if _, ok := set[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyBlocked, id)
	}

	line := id.String()
	if comment = sanitizeComment(comment); comment != "" {
		line += "  # " + comment
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create blocklist directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write blocklist: %w", err)
	}
	return nil
}

// Remove deletes id from the blocklist, keeping every other line as it
// was. The file is replaced atomically.
func Remove(path, idText string) error {
	target, err := peer.Decode(strings.TrimSpace(idText))
	if err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotBlocked, target)
	}
	if err != nil {
		return fmt.Errorf("read blocklist: %w", err)
	}

	var kept strings.Builder
	found := false
	for line := range strings.Lines(string(data)) {
		if idText, _ := parseLine(line); idText != "" {
			if id, err := peer.Decode(idText); err == nil && id == target {
				found = true
				continue
			}
		}
		kept.WriteString(strings.TrimRight(line, "\n") + "\n")
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotBlocked, target)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blocklist.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(kept.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace blocklist: %w", err)
	}
	return nil
}

// sanitizeComment drops characters that would break the line format.
func sanitizeComment(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == 0 {
			return -1
		}
		return r
	}, s))
}
