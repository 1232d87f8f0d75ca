package build

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Entry of a layer written by the build itself.
type tarEntry struct {
	name     string      // Archive path without leading slash.
	hostPath string      // Source file; empty for synthesized directories.
	mode     fs.FileMode // Type and permission bits.
	size     int64       // Size of regular files.
	link     string      // Symlink target.
	uid, gid int
}

// Returns directory entries for dir and each of its parents, outermost first.
func parentDirs(dir string) []tarEntry {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir == "" {
		return nil
	}

	var entries []tarEntry
	parts := strings.Split(dir, "/")
	for i := range parts {
		entries = append(entries, tarEntry{
			name: strings.Join(parts[:i+1], "/"),
			mode: fs.ModeDir | 0755,
		})
	}
	return entries
}

// Writes entries as a deterministic tar stream.
//
// Entries are sorted by name, every timestamp is set to epoch and owner names
// are omitted. Later entries with the same name replace earlier ones.
func writeLayerTar(w io.Writer, entries []tarEntry, epoch time.Time) error {
	byName := make(map[string]tarEntry, len(entries))
	for _, e := range entries {
		byName[e.name] = e
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tar.NewWriter(w)
	for _, name := range names {
		if err := writeTarEntry(tw, byName[name], epoch); err != nil {
			return err
		}
	}
	return tw.Close()
}

// Writes a single file, directory or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, e tarEntry, epoch time.Time) error {
	header := &tar.Header{
		Name:    e.name,
		Mode:    int64(e.mode.Perm()),
		Uid:     e.uid,
		Gid:     e.gid,
		ModTime: epoch,
	}

	switch {
	case e.mode.IsDir():
		header.Typeflag = tar.TypeDir
		header.Name += "/"
	case e.mode&fs.ModeSymlink != 0:
		header.Typeflag = tar.TypeSymlink
		header.Linkname = e.link
	case e.mode.IsRegular():
		header.Typeflag = tar.TypeReg
		header.Size = e.size
	default:
		return fmt.Errorf("unsupported file type %s for %s", e.mode.Type(), e.hostPath)
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if header.Typeflag == tar.TypeReg {
		f, err := os.Open(e.hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.CopyN(tw, f, e.size); err != nil {
			return fmt.Errorf("%s changed during copy: %w", e.hostPath, err)
		}
	}
	return nil
}

// Rewrites a tar stream so it no longer depends on when it was produced.
//
// Modification times later than epoch are clamped to it, access and change
// times are dropped along with owner names.
func normalizeTar(r io.Reader, w io.Writer, epoch time.Time) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if header.ModTime.After(epoch) {
			header.ModTime = epoch
		}
		header.ModTime = header.ModTime.Truncate(time.Second)
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		header.Uname = ""
		header.Gname = ""
		for _, k := range []string{"mtime", "atime", "ctime"} {
			delete(header.PAXRecords, k)
		}
		header.Format = tar.FormatUnknown
		if len(header.PAXRecords) > 0 {
			header.Format = tar.FormatPAX
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}
	return tw.Close()
}

// Writes a layer tarball to a scratch file and opens it as a layer.
//
// The caller removes the file once the layer has been stored.
func scratchLayer(dir string, mt types.MediaType, write func(io.Writer) error) (v1.Layer, string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	f, err := os.CreateTemp(dir, "layer-*.tar")
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	name := f.Name()

	werr := write(f)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr == nil {
			werr = cerr
		}
		return nil, "", werr
	}

	l, err := tarball.LayerFromFile(name, tarball.WithMediaType(mt))
	if err != nil {
		os.Remove(name)
		return nil, "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return l, name, nil
}
