package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/moby/sys/atomicwriter"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/store"
)

// section is one top-level directory of a snapshot archive and the place
// on disk it comes from.
type section struct {
	name string
	path string
	dir  bool
}

const (
	sectionTasks = "tasks"
	sectionQueue = "queue"
	sectionStore = "store"
)

func snapshotSections(cfg *config.Config) []section {
	var out []section
	if cfg.Tasks.Dir != "" {
		out = append(out, section{name: sectionTasks, path: cfg.Tasks.Dir, dir: true})
	}
	if cfg.Bus.QueuePath != "" {
		out = append(out, section{name: sectionQueue, path: cfg.Bus.QueuePath})
	}
	if cfg.Store.Path != "" {
		out = append(out, section{name: sectionStore, path: cfg.Store.Path})
	}
	return out
}

func runSnapshot(args []string) error {
	outputPath, _, err := parseArchiveArgs(args)
	if err != nil {
		return err
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: drover snapshot -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	// Fold the WAL in so the database file alone is consistent.
	if _, err := os.Stat(cfg.Store.Path); err == nil {
		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		if err := db.Checkpoint(); err != nil {
			slog.Warn("store checkpoint failed, archiving as is", "error", err)
		}
		db.Close()
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	count, err := writeSnapshot(f, snapshotSections(cfg))
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Snapshot complete: %d files, %s\n", count, formatSize(size))
	return nil
}

// writeSnapshot streams every section into a zstd compressed tar and
// returns the number of files written. Missing sources are skipped.
func writeSnapshot(w io.Writer, sections []section) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, s := range sections {
		files, err := sectionFiles(s)
		if err != nil {
			return count, fmt.Errorf("list %s: %w", s.name, err)
		}
		for _, src := range files {
			slog.Info("archiving", "section", s.name, "file", src)
			if err := addFile(tw, path.Join(s.name, filepath.Base(src)), src); err != nil {
				return count, fmt.Errorf("archive %s: %w", src, err)
			}
			count++
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	return count, nil
}

func sectionFiles(s section) ([]string, error) {
	if !s.dir {
		info, err := os.Stat(s.path)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", s.path)
		}
		return []string{s.path}, nil
	}

	entries, err := os.ReadDir(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(s.path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	inputPath, overwrite, err := parseArchiveArgs(args)
	if err != nil {
		return err
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: drover restore -f <snapshot.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	sections := snapshotSections(cfg)

	// Pre-scan: resolve every destination before touching the disk
	names, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("Archive contains no files.")
		return nil
	}
	if !overwrite {
		for _, name := range names {
			dest, ok := destination(sections, name)
			if !ok {
				continue
			}
			if _, err := os.Stat(dest); err == nil {
				return fmt.Errorf("%s already exists, add -overwrite to replace files", dest)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	count, err := restoreSnapshot(f, sections)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", count)
	return nil
}

// restoreSnapshot writes every recognised entry of the archive to its
// destination and returns how many files were restored. Entries outside
// the known sections are ignored.
func restoreSnapshot(r io.Reader, sections []section) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			slog.Warn("skipping unsafe archive entry", "name", hdr.Name)
			continue
		}
		if err != nil {
			return count, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest, ok := destination(sections, hdr.Name)
		if !ok {
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return count, fmt.Errorf("create dir for %s: %w", dest, err)
		}
		if err := writeRestored(dest, tr); err != nil {
			return count, fmt.Errorf("restore %s: %w", dest, err)
		}
		if sec, _ := splitSectionPath(hdr.Name); sec == sectionStore {
			// A stale WAL would be replayed over the restored database.
			_ = os.Remove(dest + "-wal")
			_ = os.Remove(dest + "-shm")
		}
		slog.Info("restored", "file", dest)
		count++
	}
	return count, nil
}

func writeRestored(dest string, r io.Reader) error {
	w, err := atomicwriter.New(dest, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// destination maps an archive entry to the file it restores to. Only
// plain file names directly under a known section are accepted.
func destination(sections []section, name string) (string, bool) {
	sec, rel := splitSectionPath(name)
	if sec == "" || rel == "" || strings.Contains(rel, "/") || rel == "." || rel == ".." {
		return "", false
	}
	for _, s := range sections {
		if s.name != sec {
			continue
		}
		if s.dir {
			return filepath.Join(s.path, rel), true
		}
		return s.path, true
	}
	return "", false
}

// scanArchive reads tar headers to collect entry names without extracting
// file data.
func scanArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

// splitSectionPath splits "tasks/status.json" into ("tasks", "status.json").
// Returns an empty section for names outside the known sections.
func splitSectionPath(name string) (sec, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}
	sec, rel = name[:idx], name[idx+1:]
	switch sec {
	case sectionTasks, sectionQueue, sectionStore:
		return sec, rel
	}
	return "", ""
}

func parseArchiveArgs(args []string) (file string, overwrite bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("missing value for -f")
			}
			i++
			file = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	return file, overwrite, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
