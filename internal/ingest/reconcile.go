package ingest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lineinspect/internal/models"
	"lineinspect/internal/sessionstore"
)

// Provenance ties a staging handle to the name the user actually supplied.
type Provenance struct {
	Handle       string
	OriginalName string
	Source       models.Source
	Archive      string
}

// Reconciliation is the canonical file set of one session.
type Reconciliation struct {
	Files   []models.FileInfo
	Mapping map[string]string
	Removed []string
}

// Reconcile scans dir once, in name order, and renames every accepted image
// to <index><ext> with dense indices starting at 0. Other entries are
// deleted, except the session bookkeeping files. Each provenance record is
// consumed at most once; images without one are keyed by their canonical
// name. Repeated original names get " (n)" suffixes so the mapping stays
// one-to-one.
func Reconcile(dir string, provenance []Provenance) (*Reconciliation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	pending := make(map[string]Provenance, len(provenance))
	for _, p := range provenance {
		pending[p.Handle] = p
	}

	type move struct {
		from, tmp, to string
	}
	rec := &Reconciliation{Mapping: make(map[string]string)}
	var moves []move
	for _, e := range entries {
		name := e.Name()
		if sessionstore.IsReserved(name) {
			continue
		}
		src := filepath.Join(dir, name)
		ext := strings.ToLower(filepath.Ext(name))
		if e.IsDir() || !models.IsImageExt(ext) {
			if err := os.RemoveAll(src); err != nil {
				return nil, fmt.Errorf("remove %s: %w", name, err)
			}
			rec.Removed = append(rec.Removed, name)
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}

		canonical := fmt.Sprintf("%d%s", len(rec.Files), ext)
		file := models.FileInfo{Name: canonical, Size: info.Size(), Extension: ext}
		key := canonical
		if p, ok := pending[name]; ok {
			delete(pending, name)
			if p.OriginalName != "" {
				key = p.OriginalName
			}
			file.Source = p.Source
		}
		key = uniqueKey(rec.Mapping, key)
		file.OriginalName = key
		rec.Mapping[key] = canonical
		rec.Files = append(rec.Files, file)

		if name != canonical {
			moves = append(moves, move{
				from: src,
				tmp:  filepath.Join(dir, ".reconcile-"+canonical),
				to:   filepath.Join(dir, canonical),
			})
		}
	}

	// Two passes so a rename never lands on a file that is still waiting
	// for its own canonical name.
	for _, m := range moves {
		if err := os.Rename(m.from, m.tmp); err != nil {
			return nil, fmt.Errorf("rename %s: %w", filepath.Base(m.from), err)
		}
	}
	for _, m := range moves {
		if err := os.Rename(m.tmp, m.to); err != nil {
			return nil, fmt.Errorf("rename %s: %w", filepath.Base(m.to), err)
		}
	}
	return rec, nil
}

func uniqueKey(mapping map[string]string, key string) string {
	if _, taken := mapping[key]; !taken {
		return key
	}
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	for idx := 1; ; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		if _, taken := mapping[candidate]; !taken {
			return candidate
		}
	}
}
