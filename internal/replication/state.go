package replication

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNoState is returned when the local state file does not exist yet
var ErrNoState = errors.New("replication not initialized")

// State is one replication diff: its sequence number within a feed and the
// end of the time span it covers
type State struct {
	SequenceNumber int64
	Timestamp      time.Time // end of the covered span
	Feed           Feed
}

// Start returns the beginning of the span covered by the diff
func (s State) Start() time.Time {
	return s.Timestamp.Add(-s.Feed.Period())
}

// String returns the state in a human-readable format
func (s State) String() string {
	return fmt.Sprintf("%s #%d (%s)", s.Feed, s.SequenceNumber, s.Timestamp.UTC().Format(time.RFC3339))
}

// ParseState parses a state.txt file content
// Format:
//
//	#comment line
//	sequenceNumber=12345
//	timestamp=2024-01-15T12\:00\:00Z
//	feed=minute
//
// The feed line only appears in local state files. Remote files leave Feed
// at its zero value; callers that know the feed set it themselves.
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	var haveSeq, haveTS bool
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence number: %w", err)
			}
			state.SequenceNumber = seq
			haveSeq = true

		case "timestamp":
			// state files escape colons as \:
			value = strings.ReplaceAll(value, `\:`, ":")

			var t time.Time
			var err error
			for _, format := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
				t, err = time.Parse(format, value)
				if err == nil {
					break
				}
			}
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", value, err)
			}
			state.Timestamp = t.UTC()
			haveTS = true

		case "feed":
			f, err := ParseFeed(value)
			if err != nil {
				return nil, err
			}
			state.Feed = f
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	if !haveSeq || !haveTS {
		return nil, fmt.Errorf("incomplete state: sequenceNumber and timestamp are required")
	}
	return state, nil
}

// ParseStateFile reads and parses a state file from disk. A missing file is ErrNoState.
func ParseStateFile(filename string) (*State, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist, run 'replication init' first", ErrNoState, filename)
		}
		return nil, err
	}
	defer f.Close()

	return ParseState(f)
}

// WriteState writes a state to a writer
func WriteState(w io.Writer, state *State) error {
	ts := state.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
	ts = strings.ReplaceAll(ts, ":", `\:`)

	_, err := fmt.Fprintf(w, "# osmindex replication state\nsequenceNumber=%d\ntimestamp=%s\nfeed=%s\n",
		state.SequenceNumber, ts, state.Feed)
	return err
}

// WriteStateFile replaces a state file atomically
func WriteStateFile(filename string, state *State) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".*.tmp")
	if err != nil {
		return err
	}
	if err := WriteState(tmp, state); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// SequenceToPath converts a sequence number to the replication tree path,
// the zero-padded 9-digit number split into groups of three: 1234567 -> 001/234/567
func SequenceToPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d",
		seq/1000000,
		(seq/1000)%1000,
		seq%1000)
}

// PathToSequence converts a path like "000/000/001" back to a sequence number
func PathToSequence(path string) (int64, error) {
	path = strings.TrimSuffix(path, ".osc.gz")
	path = strings.TrimSuffix(path, ".state.txt")

	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid path format: %s", path)
	}

	var seq int64
	for _, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid path component %q: %w", part, err)
		}
		if n < 0 || n > 999 {
			return 0, fmt.Errorf("invalid path component %q", part)
		}
		seq = seq*1000 + n
	}
	return seq, nil
}
