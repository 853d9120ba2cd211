package swarm

import (
	"fmt"

	"github.com/zeebo/bencode"
)

const snapshotVersion = 1

// Snapshot is the resume state of one swarm session. It is stored by the
// registry as an opaque blob and handed back on re-attach.
type Snapshot struct {
	Version        int            `bencode:"v"`
	Link           string         `bencode:"link"`
	InfoHash       string         `bencode:"info_hash"`
	Name           string         `bencode:"name"`
	Metainfo       string         `bencode:"metainfo"` // raw .torrent bytes once known
	BytesCompleted int64          `bencode:"bytes_completed"`
	Files          []SnapshotFile `bencode:"files"`
	Skipped        []string       `bencode:"skipped"` // files already complete on disk
}

// SnapshotFile is one file of the torrent as recorded in a snapshot.
type SnapshotFile struct {
	Path string `bencode:"path"`
	Size int64  `bencode:"size"`
}

// Encode serializes the snapshot with bencode.
func (s *Snapshot) Encode() ([]byte, error) {
	s.Version = snapshotVersion

	data, err := bencode.EncodeBytes(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return data, nil
}

// DecodeSnapshot parses a blob produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot

	if err := bencode.DecodeBytes(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}

	return &s, nil
}
