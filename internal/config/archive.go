package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArchivePath returns where the previous version of a config file is kept.
// Example: ~/.config/parley/config.yaml → ~/.config/parley/.config.prev.yaml
func ArchivePath(configPath string) string {
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".prev"+ext)
}

// Archive saves a copy of configPath before it is overwritten.
func Archive(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("archive: read config: %w", err)
	}
	if err := replaceFile(ArchivePath(configPath), data); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// Rollback restores the archived copy over configPath. The archive is
// validated first so a rollback never installs an unparseable file.
func Rollback(configPath string) error {
	archived := ArchivePath(configPath)
	data, err := os.ReadFile(archived)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoArchive, archived)
		}
		return fmt.Errorf("rollback: read archive: %w", err)
	}
	if _, err := Parse(data); err != nil {
		return fmt.Errorf("rollback: archived config is invalid: %w", err)
	}
	if err := replaceFile(configPath, data); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// HasArchive reports whether an archived copy exists for configPath.
func HasArchive(configPath string) bool {
	_, err := os.Stat(ArchivePath(configPath))
	return err == nil
}

func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
