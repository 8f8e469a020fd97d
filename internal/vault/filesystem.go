package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"arcstore/internal/backup"
)

// FileSystemVault stores snapshots in a local directory tree:
//
//	<root>/
//	  content/
//	    <checksum>
//	  metadata/
//	    <instanceID>/
//	      <name>           document
//	      <name>.version   current version
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

var _ backup.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates the directory layout under root if needed.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	contentDir := filepath.Join(root, "content")
	metadataDir := filepath.Join(root, "metadata")

	for _, dir := range []string{contentDir, metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
	}

	return &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  contentDir,
		metadataDir: metadataDir,
	}, nil
}

// PutContent stores content under its checksum. Content that is already
// present is left alone; the reader is still drained and size-checked.
func (v *FileSystemVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := checkName(checksum); err != nil {
		return err
	}
	destPath := filepath.Join(v.contentDir, checksum)

	if _, err := os.Stat(destPath); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return writeFile(destPath, r, size)
}

func (v *FileSystemVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if err := checkName(checksum); err != nil {
		return err
	}
	return readFile(filepath.Join(v.contentDir, checksum), w)
}

// PutMetadata writes the document first and the version marker second, so
// a reader never sees a version whose document is missing.
func (v *FileSystemVault) PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	docPath, versionPath, err := v.metadataPaths(instanceID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(docPath), 0755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	if err := writeFile(docPath, r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return writeFile(versionPath, strings.NewReader(versionData), int64(len(versionData)))
}

func (v *FileSystemVault) GetMetadata(ctx context.Context, instanceID, name string, w io.Writer) error {
	docPath, _, err := v.metadataPaths(instanceID, name)
	if err != nil {
		return err
	}
	return readFile(docPath, w)
}

// GetMetadataVersion returns 0 when no version marker exists.
func (v *FileSystemVault) GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error) {
	_, versionPath, err := v.metadataPaths(instanceID, name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(versionPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks the layout exists and that the content directory is
// writable.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	probe, err := os.CreateTemp(v.contentDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault is not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func (v *FileSystemVault) metadataPaths(instanceID, name string) (string, string, error) {
	if err := checkName(instanceID); err != nil {
		return "", "", err
	}
	if err := checkName(name); err != nil {
		return "", "", err
	}
	doc := filepath.Join(v.metadataDir, instanceID, name)
	return doc, doc + ".version", nil
}

// checkName rejects path components that would escape the vault root.
func checkName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid vault name: %q", s)
	}
	return nil
}

// writeFile writes r to destPath through a temp file and rename.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

func readFile(srcPath string, w io.Writer) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backup.ErrNotFound, filepath.Base(srcPath))
		}
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return nil
}
