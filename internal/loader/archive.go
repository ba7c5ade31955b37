package loader

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/manifest"
)

// ArchiveLimits bound what an uploaded package may contain.
type ArchiveLimits struct {
	MaxEntries    int      `yaml:"max_entries"`
	MaxTotalBytes int64    `yaml:"max_total_bytes"`
	MaxFileBytes  int64    `yaml:"max_file_bytes"`
	Allowed       []string `yaml:"allowed"`
}

// DefaultArchiveLimits returns the package limits.
func DefaultArchiveLimits() ArchiveLimits {
	return ArchiveLimits{
		MaxEntries:    256,
		MaxTotalBytes: 4 << 20,
		MaxFileBytes:  1 << 20,
		Allowed:       []string{"**/*.{lua,yaml,yml,json,md,txt}"},
	}
}

func (l ArchiveLimits) withDefaults() ArchiveLimits {
	def := DefaultArchiveLimits()
	if l.MaxEntries <= 0 {
		l.MaxEntries = def.MaxEntries
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = def.MaxTotalBytes
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = def.MaxFileBytes
	}
	if len(l.Allowed) == 0 {
		l.Allowed = def.Allowed
	}
	return l
}

func loaderError(format string, args ...any) error {
	return xerrors.New(xerrors.CodeLoaderError, fmt.Sprintf(format, args...))
}

// ReadArchive unpacks a .zip or .tar.gz package into memory. Nothing touches the filesystem.
func ReadArchive(data []byte, limits ArchiveLimits) (map[string][]byte, error) {
	limits = limits.withDefaults()
	for _, pattern := range limits.Allowed {
		if !doublestar.ValidatePattern(pattern) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid allow-list pattern %q", pattern))
		}
	}
	r := &reader{limits: limits, files: make(map[string][]byte)}
	var err error
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")), bytes.HasPrefix(data, []byte("PK\x05\x06")):
		err = r.readZip(data)
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		err = r.readTarGz(data)
	default:
		return nil, loaderError("package must be a zip or tar.gz archive")
	}
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeLoaderError, err, "corrupt archive")
	}
	if len(r.files) == 0 {
		return nil, loaderError("archive is empty")
	}
	return stripCommonRoot(r.files), nil
}

type reader struct {
	limits  ArchiveLimits
	files   map[string][]byte
	entries int
	total   int64
}

func (r *reader) readZip(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		mode := f.Mode()
		if mode.IsDir() {
			continue
		}
		if !mode.IsRegular() {
			return loaderError("entry %q is not a regular file", f.Name)
		}
		name, err := r.admit(f.Name, int64(f.UncompressedSize64))
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		content, err := r.read(name, rc)
		rc.Close()
		if err != nil {
			return err
		}
		r.files[name] = content
	}
	return nil
}

func (r *reader) readTarGz(data []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeXGlobalHeader:
			continue
		case tar.TypeReg:
		default:
			return loaderError("entry %q is not a regular file", hdr.Name)
		}
		name, err := r.admit(hdr.Name, hdr.Size)
		if err != nil {
			return err
		}
		content, err := r.read(name, tr)
		if err != nil {
			return err
		}
		r.files[name] = content
	}
}

// admit validates one entry name and its declared size and returns the cleaned name.
func (r *reader) admit(raw string, size int64) (string, error) {
	name, err := cleanName(raw)
	if err != nil {
		return "", err
	}
	if _, dup := r.files[name]; dup {
		return "", loaderError("duplicate entry %q", name)
	}
	if !r.allowed(name) {
		return "", loaderError("file %q has a disallowed extension", name)
	}
	r.entries++
	if r.entries > r.limits.MaxEntries {
		return "", loaderError("archive has more than %d entries", r.limits.MaxEntries)
	}
	if size > r.limits.MaxFileBytes {
		return "", loaderError("file %q exceeds %d bytes", name, r.limits.MaxFileBytes)
	}
	return name, nil
}

// read copies at most the remaining budget; headers may lie about sizes.
func (r *reader) read(name string, src io.Reader) ([]byte, error) {
	budget := r.limits.MaxFileBytes
	if remaining := r.limits.MaxTotalBytes - r.total; remaining < budget {
		budget = remaining
	}
	content, err := io.ReadAll(io.LimitReader(src, budget+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > budget {
		if int64(len(content)) > r.limits.MaxFileBytes {
			return nil, loaderError("file %q exceeds %d bytes", name, r.limits.MaxFileBytes)
		}
		return nil, loaderError("archive exceeds %d uncompressed bytes", r.limits.MaxTotalBytes)
	}
	r.total += int64(len(content))
	return content, nil
}

func (r *reader) allowed(name string) bool {
	for _, pattern := range r.limits.Allowed {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// cleanName rejects absolute and escaping paths.
func cleanName(raw string) (string, error) {
	if raw == "" {
		return "", loaderError("entry with empty name")
	}
	if strings.Contains(raw, `\`) || strings.ContainsRune(raw, 0) {
		return "", loaderError("entry %q has an invalid name", raw)
	}
	if strings.HasPrefix(raw, "/") || (len(raw) > 1 && raw[1] == ':') {
		return "", loaderError("entry %q is an absolute path", raw)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", loaderError("entry %q escapes the package root", raw)
		}
	}
	name := path.Clean(strings.TrimPrefix(raw, "./"))
	if !fs.ValidPath(name) || name == "." {
		return "", loaderError("entry %q has an invalid name", raw)
	}
	return name, nil
}

// stripCommonRoot removes a single top-level directory wrapping every file, so archives
// created from a parent directory load the same as flat ones.
func stripCommonRoot(files map[string][]byte) map[string][]byte {
	for _, name := range manifest.FileNames {
		if _, ok := files[name]; ok {
			return files
		}
	}
	root := ""
	for name := range files {
		i := strings.IndexByte(name, '/')
		if i < 0 {
			return files
		}
		if root == "" {
			root = name[:i+1]
		} else if !strings.HasPrefix(name, root) {
			return files
		}
	}
	out := make(map[string][]byte, len(files))
	for name, content := range files {
		out[strings.TrimPrefix(name, root)] = content
	}
	return out
}
