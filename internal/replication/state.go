package replication

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State is the position of a replication feed.
type State struct {
	SequenceNumber int64
	Timestamp      time.Time
}

func (s State) String() string {
	return fmt.Sprintf("sequence %d at %s", s.SequenceNumber, s.Timestamp.Format(time.RFC3339))
}

// ParseState reads a state.txt document. It is a Java properties file in
// which colons are escaped:
//
//	#Sat Jan 15 12:00:00 UTC 2024
//	sequenceNumber=12345
//	timestamp=2024-01-15T12\:00\:00Z
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	var haveSeq bool

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence number: %w", err)
			}
			state.SequenceNumber = seq
			haveSeq = true
		case "timestamp":
			value = strings.ReplaceAll(value, `\:`, ":")
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", value, err)
			}
			state.Timestamp = ts.UTC()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if !haveSeq {
		return nil, fmt.Errorf("state has no sequenceNumber")
	}
	return state, nil
}

// ReadStateFile parses the state file at path.
func ReadStateFile(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseState(f)
}

// WriteState writes s in state.txt format.
func WriteState(w io.Writer, s *State) error {
	ts := strings.ReplaceAll(s.Timestamp.UTC().Format(time.RFC3339), ":", `\:`)
	_, err := fmt.Fprintf(w, "# osmsql replication state\nsequenceNumber=%d\ntimestamp=%s\n", s.SequenceNumber, ts)
	return err
}

// WriteStateFile replaces the file at path with s. The file is written
// next to its destination and renamed into place.
func WriteStateFile(path string, s *State) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteState(tmp, s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SequencePath renders seq as the AAA/BBB/CCC path used by replication
// servers, e.g. 1234567 -> 001/234/567.
func SequencePath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d", seq/1000000, (seq/1000)%1000, seq%1000)
}

// ParseSequencePath is the inverse of SequencePath. A trailing .osc.gz or
// .state.txt is ignored.
func ParseSequencePath(path string) (int64, error) {
	path = strings.TrimSuffix(strings.TrimSuffix(path, ".osc.gz"), ".state.txt")
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid sequence path: %s", path)
	}

	var seq int64
	for _, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 || n > 999 {
			return 0, fmt.Errorf("invalid sequence path component %q", part)
		}
		seq = seq*1000 + n
	}
	return seq, nil
}
