package swarm

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/anacrolix/torrent/types"

	"github.com/italolelis/downloadmanager/internal/transfer"
)

// ClientConfig configures the anacrolix client.
type ClientConfig struct {
	DataDir    string
	ListenPort int
	Seed       bool
}

// AnacrolixClient is the production Client.
type AnacrolixClient struct {
	client *torrent.Client
}

var _ Client = (*AnacrolixClient)(nil)

// NewAnacrolixClient starts a torrent client.
func NewAnacrolixClient(cfg ClientConfig) (*AnacrolixClient, error) {
	tc := torrent.NewDefaultClientConfig()
	tc.DataDir = cfg.DataDir
	tc.Seed = cfg.Seed
	tc.ListenPort = cfg.ListenPort

	c, err := torrent.NewClient(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to start torrent client: %w", err)
	}

	return &AnacrolixClient{client: c}, nil
}

func (c *AnacrolixClient) AddMagnet(uri, dir string) (Session, error) {
	spec, err := torrent.TorrentSpecFromMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse magnet: %w", err)
	}

	return c.add(spec, dir)
}

func (c *AnacrolixClient) AddTorrent(data []byte, dir string) (Session, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load metainfo: %w", err)
	}

	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, fmt.Errorf("failed to build torrent spec: %w", err)
	}

	return c.add(spec, dir)
}

func (c *AnacrolixClient) add(spec *torrent.TorrentSpec, dir string) (Session, error) {
	store := storage.NewFile(dir)
	spec.Storage = store

	t, _, err := c.client.AddTorrentSpec(spec)
	if err != nil {
		store.Close()

		return nil, fmt.Errorf("failed to add torrent: %w", err)
	}

	t.DisallowDataDownload()

	return &anacrolixSession{t: t, store: store, skipped: make(map[string]bool)}, nil
}

func (c *AnacrolixClient) Close() error {
	if errs := c.client.Close(); len(errs) > 0 {
		return fmt.Errorf("failed to close torrent client: %v", errs)
	}

	return nil
}

type anacrolixSession struct {
	t     *torrent.Torrent
	store storage.ClientImplCloser

	mu      sync.Mutex
	skipped map[string]bool
}

func (s *anacrolixSession) InfoHash() string { return s.t.InfoHash().HexString() }

func (s *anacrolixSession) GotInfo() <-chan struct{} { return (<-chan struct{})(s.t.GotInfo()) }

func (s *anacrolixSession) Name() string { return s.t.Name() }

func (s *anacrolixSession) Length() int64 { return s.t.Length() }

func (s *anacrolixSession) relPath(f *torrent.File) string {
	if s.t.Info().IsDir() {
		return filepath.Join(s.t.Name(), f.Path())
	}

	return f.Path()
}

func (s *anacrolixSession) Files() []transfer.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]transfer.File, 0, len(s.t.Files()))
	for _, f := range s.t.Files() {
		p := s.relPath(f)
		files = append(files, transfer.File{Path: p, Size: f.Length(), Selected: !s.skipped[p]})
	}

	return files
}

func (s *anacrolixSession) Metainfo() ([]byte, error) {
	var buf bytes.Buffer

	mi := s.t.Metainfo()
	if err := mi.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write metainfo: %w", err)
	}

	return buf.Bytes(), nil
}

func (s *anacrolixSession) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for _, f := range s.t.Files() {
		if !s.skipped[s.relPath(f)] {
			n += f.BytesCompleted()
		}
	}

	return n
}

func (s *anacrolixSession) SetFileSelected(path string, selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skipped[path] = !selected

	for _, f := range s.t.Files() {
		if s.relPath(f) != path {
			continue
		}

		if selected {
			f.SetPriority(types.PiecePriorityNormal)
		} else {
			f.SetPriority(types.PiecePriorityNone)
		}
	}
}

func (s *anacrolixSession) StartDownload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.t.Files() {
		if !s.skipped[s.relPath(f)] {
			f.Download()
		}
	}

	s.t.AllowDataDownload()
}

func (s *anacrolixSession) StopDownload() { s.t.DisallowDataDownload() }

func (s *anacrolixSession) StartUpload() { s.t.AllowDataUpload() }

func (s *anacrolixSession) StopUpload() { s.t.DisallowDataUpload() }

func (s *anacrolixSession) Drop() {
	s.t.Drop()
	s.store.Close()
}
