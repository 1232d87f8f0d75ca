package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/stratum/internal/paths"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

const tagsDir = "tags"

// Published tag.
type Record struct {
	Reference string    `json:"reference"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`      // Sum of compressed layer sizes.
	Published time.Time `json:"published"` // Wall-clock publish time; not part of the image.
}

// OCI layout store with atomic tags.
type Store struct {
	root   string
	layout layout.Path
	mu     sync.Mutex // serializes index.json updates
}

// Opens the store at root, creating an empty layout if none exists.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tagsDir), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	p, err := layout.FromPath(root)
	if err != nil {
		p, err = layout.Write(root, empty.Index)
		if err != nil {
			return nil, fmt.Errorf("%w: initialize layout: %w", ErrStore, err)
		}
	}
	return &Store{root: root, layout: p}, nil
}

// Root directory of the store.
func (s *Store) Root() string {
	return s.root
}

// Whether the blob with digest h is present.
func (s *Store) HasBlob(h v1.Hash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}

// Writes the compressed form of a layer as a blob.
func (s *Store) WriteLayer(l v1.Layer) (v1.Hash, error) {
	h, err := l.Digest()
	if err != nil {
		return v1.Hash{}, fmt.Errorf("%w: layer digest: %w", ErrStore, err)
	}
	if s.HasBlob(h) {
		return h, nil
	}

	rc, err := l.Compressed()
	if err != nil {
		return v1.Hash{}, fmt.Errorf("%w: read layer: %w", ErrStore, err)
	}
	if err := s.layout.WriteBlob(h, rc); err != nil {
		return v1.Hash{}, fmt.Errorf("%w: write layer %s: %w", ErrStore, h, err)
	}
	return h, nil
}

// Opens a stored layer blob with the given media type.
//
// An empty media type selects the docker layer type.
func (s *Store) Layer(h v1.Hash, mt types.MediaType) (v1.Layer, error) {
	if !s.HasBlob(h) {
		return nil, fmt.Errorf("%w: layer %s", ErrNotFound, h)
	}
	if mt == "" {
		mt = types.DockerLayer
	}
	l, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return s.layout.Blob(h)
	}, tarball.WithMediaType(mt))
	if err != nil {
		return nil, fmt.Errorf("%w: open layer %s: %w", ErrStore, h, err)
	}
	return l, nil
}

// Writes an image and registers it in the layout index by digest.
func (s *Store) AddImage(img v1.Image) (v1.Hash, error) {
	h, err := img.Digest()
	if err != nil {
		return v1.Hash{}, fmt.Errorf("%w: image digest: %w", ErrStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.layout.ReplaceImage(img, match.Digests(h)); err != nil {
		return v1.Hash{}, fmt.Errorf("%w: write image %s: %w", ErrStore, h, err)
	}
	return h, nil
}

// Returns the stored image with manifest digest h.
func (s *Store) Image(h v1.Hash) (v1.Image, error) {
	img, err := s.layout.Image(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, h, err)
	}
	return img, nil
}

// Publishes img under ref.
//
// All blobs and the index entry are written before the tag record is
// replaced. If anything fails the previous tag, if any, is untouched. Once
// the tag has moved, the index entry of the image it left is removed unless
// another tag still points at it.
func (s *Store) Publish(ref Reference, img v1.Image) (*Record, error) {
	if ref.IsDigest() {
		return nil, fmt.Errorf("%w: %w: cannot publish to digest reference %s", ErrPublish, ErrReference, ref)
	}
	prev, _ := s.Resolve(ref)

	h, err := s.AddImage(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	size, err := imageSize(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	rec := &Record{
		Reference: ref.String(),
		Digest:    h.String(),
		Size:      size,
		Published: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if err := paths.WriteAtomic(s.tagPath(ref), data, paths.DefaultFileMode); err != nil {
		return nil, fmt.Errorf("%w: tag %s: %w", ErrPublish, ref, err)
	}

	if prev != nil && prev.Digest != rec.Digest {
		if err := s.release(prev.Digest); err != nil {
			slog.Warn("failed to drop replaced image from the index", "digest", prev.Digest, "error", err)
		}
	}
	return rec, nil
}

// Returns the tag record for ref.
//
// Digest references resolve to a synthetic record when the image is stored.
func (s *Store) Resolve(ref Reference) (*Record, error) {
	if ref.IsDigest() {
		h, err := v1.NewHash(ref.Digest())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReference, err)
		}
		if _, err := s.Image(h); err != nil {
			return nil, err
		}
		return &Record{Reference: ref.String(), Digest: h.String()}, nil
	}

	data, err := os.ReadFile(s.tagPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: tag %s: %w", ErrStore, ref, err)
	}
	return &rec, nil
}

// Returns the image published under ref together with its record.
func (s *Store) Lookup(ref Reference) (v1.Image, *Record, error) {
	rec, err := s.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	h, err := v1.NewHash(rec.Digest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: tag %s: %w", ErrStore, ref, err)
	}
	img, err := s.Image(h)
	if err != nil {
		return nil, nil, err
	}
	return img, rec, nil
}

// Lists all tag records sorted by reference.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, tagsDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, tagsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // skip unreadable records
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Reference < records[j].Reference
	})
	return records, nil
}

// Removes the tag for ref.
//
// When no other tag points at the same image its index entry is removed as
// well. Blobs are left in place since cached layers may still use them.
func (s *Store) Untag(ref Reference) error {
	if ref.IsDigest() {
		return fmt.Errorf("%w: %s is not a tag", ErrReference, ref)
	}
	rec, err := s.Resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.tagPath(ref)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	return s.release(rec.Digest)
}

// Removes the index entry of the image with the given digest when no tag
// points at it. Blobs are kept.
func (s *Store) release(digest string) error {
	records, err := s.List()
	if err != nil {
		return err
	}
	for _, other := range records {
		if other.Digest == digest {
			return nil
		}
	}

	h, err := v1.NewHash(digest)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.layout.RemoveDescriptors(match.Digests(h)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Writes the image published under ref as a docker-archive tarball.
func (s *Store) ExportTarball(ref Reference, path string) error {
	img, _, err := s.Lookup(ref)
	if err != nil {
		return err
	}

	var tag name.Reference
	if ref.IsDigest() {
		tag, err = name.NewDigest(ref.String())
	} else {
		tag, err = name.NewTag(ref.String())
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReference, err)
	}

	if err := tarball.WriteToFile(path, tag, img); err != nil {
		return fmt.Errorf("%w: export %s: %w", ErrStore, ref, err)
	}
	return nil
}

// Path of the tag record for ref.
//
// The file name is a hash of the normalized reference, so distinct
// references never collide on disk.
func (s *Store) tagPath(ref Reference) string {
	sum := sha256.Sum256([]byte(ref.String()))
	return filepath.Join(s.root, tagsDir, hex.EncodeToString(sum[:])+".json")
}

func (s *Store) blobPath(h v1.Hash) string {
	return filepath.Join(s.root, "blobs", h.Algorithm, h.Hex)
}

// Sum of the compressed sizes of all layers.
func imageSize(img v1.Image) (int64, error) {
	m, err := img.Manifest()
	if err != nil {
		return 0, fmt.Errorf("read manifest: %w", err)
	}
	var total int64
	for _, l := range m.Layers {
		total += l.Size
	}
	return total, nil
}
