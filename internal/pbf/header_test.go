package pbf

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wegman-software/osmindex/internal/element"
)

func TestParseHeaderBlock(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := &Header{
		RequiredFeatures:     []string{FeatureSchema, FeatureDense},
		OptionalFeatures:     []string{FeatureSorted},
		WritingProgram:       "osmindex",
		ReplicationTimestamp: ts,
		ReplicationSequence:  6123456,
		ReplicationBaseURL:   "https://planet.openstreetmap.org/replication/minute",
	}
	got, err := ParseHeaderBlock(AppendHeaderBlock(nil, h))
	if err != nil {
		t.Fatalf("ParseHeaderBlock() error = %v", err)
	}
	if got.WritingProgram != h.WritingProgram {
		t.Errorf("WritingProgram = %q, want %q", got.WritingProgram, h.WritingProgram)
	}
	if !got.Sorted() {
		t.Error("Sorted() = false, want true")
	}
	if !got.ReplicationTimestamp.Equal(ts) || got.ReplicationSequence != 6123456 {
		t.Errorf("replication = %v/%d, want %v/6123456", got.ReplicationTimestamp, got.ReplicationSequence, ts)
	}
}

func TestParseHeaderBlockUnsupported(t *testing.T) {
	h := &Header{RequiredFeatures: []string{FeatureSchema, FeatureHistoric}}
	_, err := ParseHeaderBlock(AppendHeaderBlock(nil, h))
	if !errors.Is(err, ErrUnsupportedFeature) {
		t.Errorf("ParseHeaderBlock() error = %v, want ErrUnsupportedFeature", err)
	}
}

func TestReadBlobHeader(t *testing.T) {
	var buf bytes.Buffer
	fw, err := NewFileWriter(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	bw := NewBlockWriter()
	bw.Add(&element.Way{ID: 1, NodeIDs: []int64{1, 2}})
	off, err := fw.WriteBlock(bw)
	if err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	r := bytes.NewReader(data)
	h, n, err := ReadBlobHeader(r)
	if err != nil || h.Type != TypeHeader {
		t.Fatalf("ReadBlobHeader() = %+v, %v", h, err)
	}
	if int64(n)+int64(h.DataSize) != off {
		t.Errorf("header blob ends at %d, want %d", int64(n)+int64(h.DataSize), off)
	}
	blob := make([]byte, h.DataSize)
	if _, err := io.ReadFull(r, blob); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoder().ReadHeaderBlock(blob); err != nil {
		t.Errorf("ReadHeaderBlock() error = %v", err)
	}

	h, _, err = ReadBlobHeader(r)
	if err != nil || h.Type != TypeData {
		t.Fatalf("ReadBlobHeader() = %+v, %v", h, err)
	}
	if _, err := r.Seek(int64(h.DataSize), io.SeekCurrent); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadBlobHeader(r); err != io.EOF {
		t.Errorf("ReadBlobHeader() at end = %v, want io.EOF", err)
	}

	if _, _, err := ReadBlobHeader(bytes.NewReader(data[:2])); !errors.Is(err, ErrMalformed) {
		t.Errorf("ReadBlobHeader(short) error = %v, want ErrMalformed", err)
	}
	if _, _, err := ReadBlobHeader(bytes.NewReader([]byte{0, 1, 0, 0})); !errors.Is(err, ErrBlobTooLarge) {
		t.Errorf("ReadBlobHeader(64k header) error = %v, want ErrBlobTooLarge", err)
	}
}

func TestParseRules(t *testing.T) {
	rf, err := ParseRules([]byte(`
kinds: [relation]
rules:
  - key: boundary
    values: [administrative]
  - key: type
    values: [multipolygon]
`))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	mask, err := rf.Mask()
	if err != nil || mask != element.MaskRelation {
		t.Errorf("Mask() = %b, %v; want relations only", mask, err)
	}
	f, err := rf.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if !f.MatchTags(element.Tags{"type": "multipolygon"}) {
		t.Error("multipolygon should match")
	}

	if _, err := ParseRules([]byte("rules: []")); err == nil {
		t.Error("ParseRules() with no rules should fail")
	}
}

func TestParseTagRule(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"highway", "highway", false},
		{"type=multipolygon, boundary", "type=multipolygon,boundary", false},
		{"=x", "", true},
		{"k=", "", true},
	}
	for _, tt := range tests {
		r, err := ParseTagRule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTagRule(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && r.String() != tt.want {
			t.Errorf("ParseTagRule(%q) = %q, want %q", tt.in, r.String(), tt.want)
		}
	}
}

func TestReadFileHeader(t *testing.T) {
	ts := time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	_, err := NewFileWriter(&buf, &Header{
		RequiredFeatures:     []string{FeatureSchema, FeatureDense},
		ReplicationTimestamp: ts,
		ReplicationSequence:  42,
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "h.osm.pbf")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	h, err := ReadFileHeader(path)
	if err != nil {
		t.Fatalf("ReadFileHeader() error = %v", err)
	}
	if !h.ReplicationTimestamp.Equal(ts) || h.ReplicationSequence != 42 {
		t.Errorf("ReadFileHeader() = %v #%d, want %v #42", h.ReplicationTimestamp, h.ReplicationSequence, ts)
	}

	if _, err := ReadFileHeader(filepath.Join(t.TempDir(), "missing.pbf")); err == nil {
		t.Error("ReadFileHeader(missing) succeeded")
	}
}
