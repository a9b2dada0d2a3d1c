package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tdl-archive-manager/internal/runstore"
)

// Reconciler failures degrade to empty results and a log line: a manifest is
// advisory, never authoritative for persisted state.
type Reconciler struct {
	logger *slog.Logger
}

func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger.With("component", "reconciler")}
}

// CountMessagesAndMedia returns (0, 0) for unreadable manifests.
func (r *Reconciler) CountMessagesAndMedia(manifestPath string) (int, int) {
	m, err := Load(manifestPath)
	if err != nil {
		r.logger.Warn("manifest unreadable, counting as empty", "manifest", manifestPath, "error", err)
		return 0, 0
	}
	return m.Counts()
}

type FilterResult struct {
	// Path is the manifest to hand to the downloader: the original, a new
	// filtered copy, or empty when nothing is left to fetch.
	Path      string
	Filtered  bool
	Pending   int
	Satisfied int
}

func (f FilterResult) NothingToDo() bool {
	return f.Path == ""
}

// FilterUndownloaded drops records whose message id already has a
// canonically named file under destDir. The filtered copy is written to
// outPath (default: <stem>_pending.json next to the manifest).
//
// An unreadable manifest is passed through unchanged.
func (r *Reconciler) FilterUndownloaded(manifestPath, destDir, outPath string) FilterResult {
	m, err := Load(manifestPath)
	if err != nil {
		r.logger.Warn("manifest unreadable, passing through unfiltered", "manifest", manifestPath, "error", err)
		return FilterResult{Path: manifestPath}
	}
	idx, err := scanDir(destDir, m)
	if err != nil {
		r.logger.Warn("destination scan failed, passing through unfiltered", "dest", destDir, "error", err)
		return FilterResult{Path: manifestPath}
	}

	satisfied := func(msg Message) bool {
		return msg.HasID && idx.ids[msg.ID]
	}

	var res FilterResult
	dropped := 0
	for _, msg := range m.Messages {
		if satisfied(msg) {
			dropped++
			if msg.HasFile() {
				res.Satisfied++
			}
			continue
		}
		if msg.HasFile() {
			res.Pending++
		}
	}

	if res.Pending == 0 {
		r.logger.Info("all media already present", "manifest", manifestPath, "present", res.Satisfied)
		return res
	}
	if dropped == 0 {
		res.Path = manifestPath
		return res
	}

	if strings.TrimSpace(outPath) == "" {
		outPath = siblingPath(manifestPath, "_pending")
	}
	if _, err := m.WriteSubset(outPath, func(msg Message) bool { return !satisfied(msg) }); err != nil {
		r.logger.Warn("write filtered manifest failed, passing through unfiltered", "path", outPath, "error", err)
		return FilterResult{Path: manifestPath, Pending: res.Pending, Satisfied: res.Satisfied}
	}
	res.Path = outPath
	res.Filtered = true
	r.logger.Info("filtered manifest", "manifest", manifestPath, "pending", res.Pending, "present", res.Satisfied, "out", outPath)
	return res
}

// RenameToCanonical renames files under destDir that carry a record's
// original name (exactly or as a suffix) to <id><ext>, adding _<n> on
// collision. Names already in canonical form are left alone, which makes a
// second pass rename nothing.
func (r *Reconciler) RenameToCanonical(manifestPath, destDir string) int {
	m, err := Load(manifestPath)
	if err != nil {
		r.logger.Warn("manifest unreadable, skipping rename", "manifest", manifestPath, "error", err)
		return 0
	}
	files, err := listFiles(destDir)
	if err != nil {
		r.logger.Warn("destination scan failed, skipping rename", "dest", destDir, "error", err)
		return 0
	}

	byName := originalsByName(m)
	names := make([]string, 0, len(files))
	for _, path := range files {
		names = append(names, filepath.Base(path))
	}
	canonical := canonicalNames(names, byName)
	originals := make([]string, 0, len(byName))
	for name := range byName {
		originals = append(originals, name)
	}
	// Longest suffix wins when several originals match one file.
	sort.Slice(originals, func(i, j int) bool { return len(originals[i]) > len(originals[j]) })

	renamed := 0
	for _, path := range files {
		name := filepath.Base(path)
		if _, ok := canonical[name]; ok {
			continue
		}
		original, ok := matchOriginal(name, byName, originals)
		if !ok {
			r.logger.Debug("no manifest record for file", "file", path)
			continue
		}
		id := pickID(name, original, byName[original])

		target, err := freeTarget(filepath.Dir(path), id, filepath.Ext(name), path)
		if err != nil {
			r.logger.Warn("no free canonical name", "file", path, "error", err)
			continue
		}
		if target == path {
			continue
		}
		if err := os.Rename(path, target); err != nil {
			r.logger.Warn("rename failed", "from", path, "to", target, "error", err)
			continue
		}
		renamed++
	}
	if renamed > 0 {
		r.logger.Info("renamed files to canonical names", "dest", destDir, "renamed", renamed)
	}
	return renamed
}

// MaxConfirmedTimestamp returns the newest timestamp among file-bearing
// records whose file is present under destDir.
func (r *Reconciler) MaxConfirmedTimestamp(manifestPath, destDir string) (int64, bool) {
	m, err := Load(manifestPath)
	if err != nil {
		r.logger.Warn("manifest unreadable, no confirmed timestamp", "manifest", manifestPath, "error", err)
		return 0, false
	}
	idx, err := scanDir(destDir, m)
	if err != nil {
		r.logger.Warn("destination scan failed, no confirmed timestamp", "dest", destDir, "error", err)
		return 0, false
	}

	var best int64
	found := false
	for _, msg := range m.Messages {
		if !msg.HasFile() || !msg.HasTimestamp {
			continue
		}
		if !idx.present(msg) {
			continue
		}
		if !found || msg.Timestamp > best {
			best, found = msg.Timestamp, true
		}
	}
	return best, found
}

// VerifyLastFilePresent checks the last file-bearing record in manifest
// order. A manifest without media verifies trivially; an unreadable one
// does not.
func (r *Reconciler) VerifyLastFilePresent(manifestPath, destDir string) bool {
	m, err := Load(manifestPath)
	if err != nil {
		r.logger.Warn("manifest unreadable, cannot verify", "manifest", manifestPath, "error", err)
		return false
	}
	var last *Message
	for i := len(m.Messages) - 1; i >= 0; i-- {
		if m.Messages[i].HasFile() {
			last = &m.Messages[i]
			break
		}
	}
	if last == nil {
		return true
	}
	idx, err := scanDir(destDir, m)
	if err != nil {
		r.logger.Warn("destination scan failed, cannot verify", "dest", destDir, "error", err)
		return false
	}
	ok := idx.present(*last)
	r.logger.Debug("verified last file", "id", last.ID, "file", last.File, "present", ok)
	return ok
}

// DirectoryTotals counts regular files and bytes under dir, ignoring
// in-progress downloads. A missing directory counts as empty.
func DirectoryTotals(dir string) (int, int64, error) {
	count := 0
	var size int64
	err := walkFiles(dir, func(path string, info fs.FileInfo) {
		count++
		size += info.Size()
	})
	return count, size, err
}

type diskIndex struct {
	names  []string
	byName map[string]bool
	ids    map[int64]bool
}

// present applies the three-way match: canonical id, exact original name,
// original name as suffix of a decorated name.
func (d diskIndex) present(msg Message) bool {
	if msg.HasID && d.ids[msg.ID] {
		return true
	}
	if !msg.HasFile() {
		return false
	}
	if d.byName[msg.File] {
		return true
	}
	for _, name := range d.names {
		if strings.HasSuffix(name, msg.File) {
			return true
		}
	}
	return false
}

func scanDir(dir string, m *Manifest) (diskIndex, error) {
	idx := diskIndex{byName: map[string]bool{}, ids: map[int64]bool{}}
	err := walkFiles(dir, func(path string, info fs.FileInfo) {
		name := info.Name()
		idx.names = append(idx.names, name)
		idx.byName[name] = true
	})
	for _, id := range canonicalNames(idx.names, originalsByName(m)) {
		idx.ids[id] = true
	}
	return idx, err
}

// originalsByName maps each original file name to the ids of the records
// carrying it, in manifest order.
func originalsByName(m *Manifest) map[string][]int64 {
	byName := map[string][]int64{}
	for _, msg := range m.Messages {
		if !msg.HasFile() || !msg.HasID {
			continue
		}
		ids := byName[msg.File]
		if len(ids) == 0 || ids[len(ids)-1] != msg.ID {
			byName[msg.File] = append(ids, msg.ID)
		}
	}
	return byName
}

// canonicalNames picks the file names that stand for <id><ext> files. A
// digit-only name that is also some record's original file name is only
// canonical when it carries that record's own id, or when every record using
// that original already has its canonical file on disk.
func canonicalNames(names []string, byOriginal map[string][]int64) map[string]int64 {
	out := map[string]int64{}
	claimed := map[int64]bool{}
	var shadowed []string
	for _, name := range names {
		id, ok := canonicalID(name)
		if !ok {
			continue
		}
		if _, isOriginal := byOriginal[name]; isOriginal {
			shadowed = append(shadowed, name)
			continue
		}
		out[name] = id
		claimed[id] = true
	}
	for _, name := range shadowed {
		id, _ := canonicalID(name)
		owners := byOriginal[name]
		settled := true
		for _, owner := range owners {
			if owner == id {
				settled = true
				break
			}
			if !claimed[owner] {
				settled = false
			}
		}
		if settled {
			out[name] = id
		}
	}
	return out
}

func listFiles(dir string) ([]string, error) {
	out := []string{}
	err := walkFiles(dir, func(path string, info fs.FileInfo) {
		out = append(out, path)
	})
	sort.Strings(out)
	return out, err
}

func walkFiles(dir string, fn func(path string, info fs.FileInfo)) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("directory is required")
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if isPartial(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fn(path, info)
		return nil
	})
	return err
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tmp") || strings.HasSuffix(lower, ".part") || runstore.IsTempName(name)
}

// canonicalID parses "<id><ext>" or "<id>_<n><ext>".
func canonicalID(name string) (int64, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.LastIndexByte(stem, '_'); i > 0 && isDigits(stem[i+1:]) {
		stem = stem[:i]
	}
	if !isDigits(stem) {
		return 0, false
	}
	id, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func matchOriginal(name string, byName map[string][]int64, originals []string) (string, bool) {
	if _, ok := byName[name]; ok {
		return name, true
	}
	for _, original := range originals {
		if strings.HasSuffix(name, original) {
			return original, true
		}
	}
	return "", false
}

// pickID resolves an original name shared by several messages using the
// "<id>_<original>" decoration when present, else manifest order.
func pickID(name, original string, ids []int64) int64 {
	if len(ids) > 1 {
		for _, id := range ids {
			if strings.HasSuffix(name, strconv.FormatInt(id, 10)+"_"+original) {
				return id
			}
		}
	}
	return ids[0]
}

func freeTarget(dir string, id int64, ext, current string) (string, error) {
	base := strconv.FormatInt(id, 10)
	for n := 0; n < 10000; n++ {
		candidate := base + ext
		if n > 0 {
			candidate = base + "_" + strconv.Itoa(n) + ext
		}
		target := filepath.Join(dir, candidate)
		if target == current {
			return target, nil
		}
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			return target, nil
		}
	}
	return "", fmt.Errorf("collision limit reached for id %d", id)
}

// siblingPath returns <dir>/<stem><suffix><ext> for path.
func siblingPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

// SiblingPath is exported for callers naming per-attempt filtered copies.
func SiblingPath(path, suffix string) string {
	return siblingPath(path, suffix)
}
