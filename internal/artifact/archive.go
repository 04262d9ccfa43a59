// Package artifact archives generated calibration instructions into a blob
// store under content-addressed keys.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"slicetune/internal/blob"
	"slicetune/internal/calibration"
	"slicetune/internal/codec"
)

// DefaultPrefix is the key prefix for calibration artifacts.
const DefaultPrefix = "calibration"

// Metadata keys stored with each blob.
const (
	MetaDigest      = "digest"
	MetaCompression = "compression"
	MetaSize        = "uncompressed-size"
	MetaType        = "calibration-type"
	MetaMaterial    = "material"
)

// Ref locates an archived artifact.
type Ref struct {
	Key         string      `json:"key"`
	Digest      string      `json:"digest"`
	Size        int64       `json:"size_bytes"`
	StoredSize  int64       `json:"stored_size_bytes"`
	Compression Compression `json:"compression"`
	URL         string      `json:"url,omitempty"`
	Existing    bool        `json:"existing,omitempty"`
}

// Archiver writes artifacts to a blob store. Identical content maps to the
// same key, so archiving is idempotent.
type Archiver struct {
	store       blob.Store
	prefix      string
	compression Compression
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		if p := strings.Trim(prefix, "/"); p != "" {
			a.prefix = p
		}
	}
}

// WithCompression selects the codec.
func WithCompression(c Compression) Option {
	return func(a *Archiver) {
		if c != "" {
			a.compression = c
		}
	}
}

// NewArchiver returns an archiver over store.
func NewArchiver(store blob.Store, opts ...Option) *Archiver {
	a := &Archiver{store: store, prefix: DefaultPrefix, compression: CompressionZstd}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// KeyFor returns the content-addressed key of generated.
func (a *Archiver) KeyFor(generated calibration.GeneratedInstructions) string {
	return fmt.Sprintf("%s/%s/%s/%s", a.prefix, generated.Type, generated.Digest, generated.Filename)
}

// Archive stores generated unless an object with the same digest exists.
func (a *Archiver) Archive(ctx context.Context, generated calibration.GeneratedInstructions) (Ref, error) {
	if generated.Digest == "" || generated.Filename == "" {
		return Ref{}, errors.New("artifact: generated instructions lack digest or filename")
	}
	key := a.KeyFor(generated)
	if info, err := a.store.Head(ctx, key); err == nil {
		return a.refFromInfo(ctx, info, true)
	} else if !errors.Is(err, blob.ErrNotFound) {
		return Ref{}, fmt.Errorf("archive %s: %w", key, err)
	}

	codecUsed := a.compression
	payload, err := compress(generated.Content, codecUsed)
	if errors.Is(err, errIncompressible) {
		codecUsed, payload = CompressionNone, generated.Content
	} else if err != nil {
		return Ref{}, fmt.Errorf("archive %s: %w", key, err)
	}
	info, err := a.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType(codecUsed),
		Metadata: map[string]string{
			MetaDigest:      generated.Digest,
			MetaCompression: string(codecUsed),
			MetaSize:        strconv.Itoa(len(generated.Content)),
			MetaType:        string(generated.Type),
			MetaMaterial:    generated.Material,
		},
	})
	if errors.Is(err, blob.ErrExists) {
		// lost a race with an identical archive
		info, err = a.store.Head(ctx, key)
		if err != nil {
			return Ref{}, fmt.Errorf("archive %s: %w", key, err)
		}
		return a.refFromInfo(ctx, info, true)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("archive %s: %w", key, err)
	}
	return a.refFromInfo(ctx, info, false)
}

// Fetch reads an archived artifact back and verifies its digest.
func (a *Archiver) Fetch(ctx context.Context, key string) ([]byte, Ref, error) {
	info, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, Ref{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, Ref{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	ref, err := a.refFromInfo(ctx, info, true)
	if err != nil {
		return nil, Ref{}, err
	}
	content, err := decompress(raw, ref.Compression, int(ref.Size))
	if err != nil {
		return nil, Ref{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	if sum := codec.Sum(content); sum != ref.Digest {
		return nil, Ref{}, fmt.Errorf("fetch %s: digest mismatch: stored %s, computed %s", key, ref.Digest, sum)
	}
	return content, ref, nil
}

// List returns refs for every archived artifact of calibration type typ, or
// all artifacts when typ is empty.
func (a *Archiver) List(ctx context.Context, typ calibration.Type) ([]blob.Info, error) {
	prefix := a.prefix + "/"
	if typ != "" {
		prefix += string(typ) + "/"
	}
	return a.store.List(ctx, prefix)
}

func (a *Archiver) refFromInfo(ctx context.Context, info blob.Info, existing bool) (Ref, error) {
	size, err := strconv.ParseInt(info.Metadata[MetaSize], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("artifact %s: bad %s metadata: %w", info.Key, MetaSize, err)
	}
	comp := Compression(info.Metadata[MetaCompression])
	if comp == "" {
		comp = CompressionNone
	}
	ref := Ref{
		Key:         info.Key,
		Digest:      info.Metadata[MetaDigest],
		Size:        size,
		StoredSize:  info.Size,
		Compression: comp,
		Existing:    existing,
	}
	if u, err := a.store.PresignURL(ctx, info.Key, blob.SignedURLOptions{}); err == nil {
		ref.URL = u
	}
	return ref, nil
}

func contentType(c Compression) string {
	switch c {
	case CompressionZstd:
		return "application/zstd"
	case CompressionLZ4:
		return "application/x-lz4"
	default:
		return "text/x-gcode"
	}
}
