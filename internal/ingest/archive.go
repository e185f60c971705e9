package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"lineinspect/internal/models"
)

// MaxArchiveDepth bounds how many levels of zip-inside-zip are expanded.
// Archives nested deeper are skipped.
const MaxArchiveDepth = 3

// expanded is one image pulled out of an archive into the work directory.
type expanded struct {
	Path         string
	Handle       string
	OriginalName string
}

type expander struct {
	ctx       context.Context
	budget    *budget
	workDir   string
	uploadIdx int
	seq       int
	written   int64
	out       []expanded
}

// expandArchive extracts the images of src into workDir under staging
// handles. On any failure the work directory is removed, the bytes counted
// for this archive are released from the batch budget and nothing is
// returned, so a broken archive contributes no files.
func expandArchive(ctx context.Context, src string, uploadIdx int, workDir string, b *budget) ([]expanded, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	x := &expander{
		ctx:       ctx,
		budget:    b,
		workDir:   workDir,
		uploadIdx: uploadIdx,
	}
	if err := x.walk(src, "", 1); err != nil {
		b.release(x.written)
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	return x.out, nil
}

func (x *expander) walk(src, prefix string, depth int) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := x.ctx.Err(); err != nil {
			return err
		}
		name := entryName(f)
		if skipEntry(f, name) {
			continue
		}
		full := name
		if prefix != "" {
			full = prefix + "/" + name
		}
		ext := strings.ToLower(path.Ext(name))
		switch {
		case models.IsImageExt(ext):
			handle := fmt.Sprintf("%06d-%06d-%s%s", x.uploadIdx, x.seq, uuid.NewString(), ext)
			x.seq++
			dst := filepath.Join(x.workDir, handle)
			if err := x.extract(f, dst); err != nil {
				return fmt.Errorf("%s: %w", full, err)
			}
			x.out = append(x.out, expanded{Path: dst, Handle: handle, OriginalName: full})
		case models.IsArchiveExt(ext) && depth < MaxArchiveDepth:
			nested := filepath.Join(x.workDir, "nested-"+uuid.NewString()+models.ArchiveExt)
			if err := x.extract(f, nested); err != nil {
				return fmt.Errorf("%s: %w", full, err)
			}
			err := x.walk(nested, full, depth+1)
			_ = os.Remove(nested)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *expander) extract(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.MultiWriter(x, out), rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
	}
	return err
}

// Write charges extracted bytes to the batch budget.
func (x *expander) Write(p []byte) (int, error) {
	n := int64(len(p))
	x.written += n
	if err := x.budget.add(n); err != nil {
		return 0, err
	}
	return len(p), nil
}

// entryName returns the in-archive path of f. Names that are not valid UTF-8
// come from legacy Windows archivers and are decoded as CP866.
func entryName(f *zip.File) string {
	name := f.Name
	if f.NonUTF8 && !utf8.ValidString(name) {
		if decoded, err := charmap.CodePage866.NewDecoder().String(name); err == nil {
			name = decoded
		}
	}
	name = strings.ReplaceAll(name, "\\", "/")
	return norm.NFC.String(strings.TrimPrefix(path.Clean("/"+name), "/"))
}

func skipEntry(f *zip.File, name string) bool {
	if name == "" || strings.HasSuffix(f.Name, "/") || !f.Mode().IsRegular() {
		return true
	}
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	return strings.HasPrefix(path.Base(name), ".")
}
