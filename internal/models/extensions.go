package models

import "strings"

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tiff": {},
	".raw":  {},
}

// ArchiveExt is the only archive format accepted.
const ArchiveExt = ".zip"

// IsImageExt reports whether ext (with leading dot, any case) is an accepted image type.
func IsImageExt(ext string) bool {
	_, ok := imageExts[strings.ToLower(ext)]
	return ok
}

// IsArchiveExt reports whether ext names an accepted archive.
func IsArchiveExt(ext string) bool {
	return strings.EqualFold(ext, ArchiveExt)
}
