package pbf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// HeaderBlock fields
const (
	fieldHdrBBox            = 1
	fieldHdrRequired        = 4
	fieldHdrOptional        = 5
	fieldHdrWritingProgram  = 16
	fieldHdrSource          = 17
	fieldHdrReplicationTime = 32
	fieldHdrReplicationSeq  = 33
	fieldHdrReplicationBase = 34
)

// ErrUnsupportedFeature is returned when a file requires a feature this reader lacks
var ErrUnsupportedFeature = errors.New("pbf: unsupported required feature")

// Features this reader understands
const (
	FeatureSchema    = "OsmSchema-V0.6"
	FeatureDense     = "DenseNodes"
	FeatureHistoric  = "HistoricalInformation"
	FeatureSorted    = "Sort.Type_then_ID"
	FeatureLocations = "LocationsOnWays"
)

var supportedFeatures = map[string]bool{
	FeatureSchema: true,
	FeatureDense:  true,
}

// Header is the decoded OSMHeader blob
type Header struct {
	RequiredFeatures []string
	OptionalFeatures []string
	WritingProgram   string
	Source           string

	// Replication fields written by osmium and osmosis
	ReplicationTimestamp time.Time
	ReplicationSequence  int64
	ReplicationBaseURL   string
}

// Sorted reports whether the file declares type-then-id ordering
func (h *Header) Sorted() bool {
	for _, f := range h.OptionalFeatures {
		if f == FeatureSorted {
			return true
		}
	}
	return false
}

// ParseHeaderBlock decodes an inflated HeaderBlock and rejects files that
// require features other than the schema and dense nodes
func ParseHeaderBlock(payload []byte) (*Header, error) {
	h := &Header{}
	r := newWireReader(payload)
	for r.more() {
		field, wt, err := r.next()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldHdrRequired, fieldHdrOptional, fieldHdrWritingProgram, fieldHdrSource, fieldHdrReplicationBase:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			s := string(b)
			switch field {
			case fieldHdrRequired:
				h.RequiredFeatures = append(h.RequiredFeatures, s)
			case fieldHdrOptional:
				h.OptionalFeatures = append(h.OptionalFeatures, s)
			case fieldHdrWritingProgram:
				h.WritingProgram = s
			case fieldHdrSource:
				h.Source = s
			default:
				h.ReplicationBaseURL = s
			}
		case fieldHdrReplicationTime:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			h.ReplicationTimestamp = time.Unix(int64(v), 0).UTC()
		case fieldHdrReplicationSeq:
			v, err := r.varint()
			if err != nil {
				return nil, err
			}
			h.ReplicationSequence = int64(v)
		default:
			// bbox and unknown fields
			if err := r.skip(wt); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range h.RequiredFeatures {
		if !supportedFeatures[f] {
			return h, fmt.Errorf("%w: %s", ErrUnsupportedFeature, f)
		}
	}
	return h, nil
}

// ReadHeaderBlock inflates and parses an OSMHeader blob
func (d *Decoder) ReadHeaderBlock(blob []byte) (*Header, error) {
	payload, err := d.Inflate(blob, nil)
	if err != nil {
		return nil, err
	}
	return ParseHeaderBlock(payload)
}

// AppendHeaderBlock encodes h as a HeaderBlock message
func AppendHeaderBlock(b []byte, h *Header) []byte {
	for _, f := range h.RequiredFeatures {
		b = AppendBytesField(b, fieldHdrRequired, []byte(f))
	}
	for _, f := range h.OptionalFeatures {
		b = AppendBytesField(b, fieldHdrOptional, []byte(f))
	}
	if h.WritingProgram != "" {
		b = AppendBytesField(b, fieldHdrWritingProgram, []byte(h.WritingProgram))
	}
	if h.Source != "" {
		b = AppendBytesField(b, fieldHdrSource, []byte(h.Source))
	}
	if !h.ReplicationTimestamp.IsZero() {
		b = AppendVarintField(b, fieldHdrReplicationTime, uint64(h.ReplicationTimestamp.Unix()))
	}
	b = AppendVarintField(b, fieldHdrReplicationSeq, uint64(h.ReplicationSequence))
	if h.ReplicationBaseURL != "" {
		b = AppendBytesField(b, fieldHdrReplicationBase, []byte(h.ReplicationBaseURL))
	}
	return b
}

// ReadFileHeader reads the OSMHeader blob at the start of a PBF file
func ReadFileHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, _, err := ReadBlobHeader(f)
	if err != nil {
		return nil, fmt.Errorf("first blob header: %w", err)
	}
	if h.Type != TypeHeader {
		return nil, malformed("first blob is %q, not %s", h.Type, TypeHeader)
	}
	blob := make([]byte, h.DataSize)
	if _, err := io.ReadFull(f, blob); err != nil {
		return nil, errTruncated
	}
	return NewDecoder().ReadHeaderBlock(blob)
}
