package blobindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// Cache layout, little-endian:
//
//	magic "OSMBIX", uint16 version, int64 source size, int64 source mtime (unix nanos)
//	then for nodes, ways, relations: int32 count, count x (int64 first id, int64 offset)
//
// Files without the magic use the legacy layout: the three count-prefixed
// arrays only.
const (
	cacheMagic   = "OSMBIX"
	cacheVersion = 1
	headerSize   = len(cacheMagic) + 2 + 8 + 8
	pairSize     = 16
)

var (
	// ErrCacheVersion is returned for a cache written in an unknown format version
	ErrCacheVersion = errors.New("blobindex: cache format version mismatch")
	// ErrCacheStale is returned when the cache was built from a different file
	ErrCacheStale = errors.New("blobindex: cache does not match source file")
	// ErrCacheCorrupt is returned when the cache is truncated or inconsistent
	ErrCacheCorrupt = errors.New("blobindex: corrupt cache")
)

// Fingerprint identifies the source file a cache was built from
type Fingerprint struct {
	Size  int64
	MTime int64 // unix nanoseconds
}

// FingerprintOf stats path
func FingerprintOf(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Size: info.Size(), MTime: info.ModTime().UnixNano()}, nil
}

// Encode serializes the index with a versioned header
func (ix *Index) Encode(fp Fingerprint) []byte {
	n := headerSize + 3*4 + ix.Blobs()*pairSize
	b := make([]byte, 0, n)
	b = append(b, cacheMagic...)
	b = binary.LittleEndian.AppendUint16(b, cacheVersion)
	b = binary.LittleEndian.AppendUint64(b, uint64(fp.Size))
	b = binary.LittleEndian.AppendUint64(b, uint64(fp.MTime))
	return ix.appendArrays(b)
}

// EncodeLegacy serializes the index without a header
func (ix *Index) EncodeLegacy() []byte {
	return ix.appendArrays(make([]byte, 0, 3*4+ix.Blobs()*pairSize))
}

func (ix *Index) appendArrays(b []byte) []byte {
	for _, entries := range ix.entries {
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(len(entries))))
		for _, e := range entries {
			b = binary.LittleEndian.AppendUint64(b, uint64(e.FirstID))
			b = binary.LittleEndian.AppendUint64(b, uint64(e.Offset))
		}
	}
	return b
}

// Decode parses a cache. want is compared with the recorded fingerprint;
// legacy caches carry none, so legacyOK decides whether they are accepted.
func Decode(data []byte, want Fingerprint, legacyOK bool) (*Index, error) {
	if bytes.HasPrefix(data, []byte(cacheMagic)) {
		if len(data) < headerSize {
			return nil, fmt.Errorf("%w: short header", ErrCacheCorrupt)
		}
		p := len(cacheMagic)
		if v := binary.LittleEndian.Uint16(data[p:]); v != cacheVersion {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrCacheVersion, v, cacheVersion)
		}
		got := Fingerprint{
			Size:  int64(binary.LittleEndian.Uint64(data[p+2:])),
			MTime: int64(binary.LittleEndian.Uint64(data[p+10:])),
		}
		if got != want {
			return nil, fmt.Errorf("%w: built for size %d mtime %d", ErrCacheStale, got.Size, got.MTime)
		}
		return decodeArrays(data[headerSize:])
	}
	if !legacyOK {
		return nil, fmt.Errorf("%w: legacy cache older than source", ErrCacheStale)
	}
	return decodeArrays(data)
}

func decodeArrays(data []byte) (*Index, error) {
	var arrays [3][]Entry
	p := 0
	for k := range arrays {
		if len(data)-p < 4 {
			return nil, fmt.Errorf("%w: missing count for kind %d", ErrCacheCorrupt, k)
		}
		n := int(int32(binary.LittleEndian.Uint32(data[p:])))
		p += 4
		if n < 0 || (len(data)-p)/pairSize < n {
			return nil, fmt.Errorf("%w: count %d exceeds data", ErrCacheCorrupt, n)
		}
		entries := make([]Entry, n)
		for i := range entries {
			entries[i].FirstID = int64(binary.LittleEndian.Uint64(data[p:]))
			entries[i].Offset = int64(binary.LittleEndian.Uint64(data[p+8:]))
			p += pairSize
		}
		arrays[k] = entries
	}
	if p != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCacheCorrupt, len(data)-p)
	}
	return New(arrays[0], arrays[1], arrays[2]), nil
}

// ReadCache maps cachePath read-only and decodes it against the current
// state of sourcePath
func ReadCache(cachePath, sourcePath string) (*Index, error) {
	fp, err := FingerprintOf(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}
	f, err := os.Open(cachePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCacheCorrupt)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap cache: %w", err)
	}
	defer m.Unmap()

	legacyOK := info.ModTime().UnixNano() >= fp.MTime
	return Decode(m, fp, legacyOK)
}

// WriteCache atomically writes the index for sourcePath to cachePath
func WriteCache(cachePath, sourcePath string, ix *Index) error {
	fp, err := FingerprintOf(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(cachePath), filepath.Base(cachePath)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(ix.Encode(fp)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return fmt.Errorf("failed to rename cache: %w", err)
	}
	return nil
}

// Invalidate removes the cache file. A missing file is not an error.
func Invalidate(cachePath string) error {
	if err := os.Remove(cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache: %w", err)
	}
	return nil
}
