package fetch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
)

func unarchiverFor(format string) (archiver.Unarchiver, error) {
	switch format {
	case "tar.gz", "tgz":
		a := archiver.NewTarGz()
		a.OverwriteExisting = true
		a.MkdirAll = true
		return a, nil
	case "tar.xz", "txz":
		a := archiver.NewTarXz()
		a.OverwriteExisting = true
		a.MkdirAll = true
		return a, nil
	case "tar.bz2", "tbz2":
		a := archiver.NewTarBz2()
		a.OverwriteExisting = true
		a.MkdirAll = true
		return a, nil
	case "tar.zst":
		a := archiver.NewTarZstd()
		a.OverwriteExisting = true
		a.MkdirAll = true
		return a, nil
	case "zip":
		a := archiver.NewZip()
		a.OverwriteExisting = true
		a.MkdirAll = true
		return a, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

// Supported reports whether format can be extracted.
func Supported(format string) bool {
	_, err := unarchiverFor(format)
	return err == nil
}

// Extract unpacks archive into dest according to format.
func Extract(format, archive, dest string) error {
	u, err := unarchiverFor(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if err := u.Unarchive(archive, dest); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
	}
	return nil
}

// ResolveBinaryRoot joins root with subpath. When the joined path is missing
// the extracted root itself is used; an empty or missing root is fatal and the
// error carries a listing of what was extracted.
func ResolveBinaryRoot(root, subpath string, logger *slog.Logger) (string, error) {
	if subpath != "" {
		joined := filepath.Join(root, filepath.Clean("/" + subpath))
		if _, err := os.Stat(joined); err == nil {
			return joined, nil
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil || len(entries) == 0 {
		return "", fmt.Errorf("%w: %q under %s\nextracted contents:\n%s", ErrBinaryRoot, subpath, root, Listing(root, 3))
	}
	if subpath != "" {
		logger.Warn("configured binary path not found; using extracted root",
			"binary_path", subpath, "root", root, "contents", Listing(root, 2))
	}
	return root, nil
}

// Listing renders up to depth levels of dir as an indented tree for
// diagnostics.
func Listing(dir string, depth int) string {
	var lines []string
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		if rel == "." {
			return nil
		}
		level := strings.Count(rel, string(filepath.Separator))
		if level >= depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			name += "/"
		}
		lines = append(lines, strings.Repeat("  ", level)+name)
		return nil
	})
	if len(lines) == 0 {
		return "  (empty)"
	}
	return strings.Join(lines, "\n")
}
