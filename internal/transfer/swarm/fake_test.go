package swarm

import (
	"strconv"
	"sync"

	"github.com/italolelis/downloadmanager/internal/transfer"
)

type fakeSession struct {
	hash     string
	name     string
	files    []transfer.File
	metainfo []byte
	info     chan struct{}
	infoOnce sync.Once

	mu          sync.Mutex
	completed   map[string]int64
	deselected  map[string]bool
	downloading bool
	uploading   bool
	dropped     bool
}

func newFakeSession(hash, name string, files ...transfer.File) *fakeSession {
	return &fakeSession{
		hash:       hash,
		name:       name,
		files:      files,
		metainfo:   []byte("d4:infod4:name" + strconv.Itoa(len(name)) + ":" + name + "ee"),
		info:       make(chan struct{}),
		completed:  make(map[string]int64),
		deselected: make(map[string]bool),
	}
}

func (s *fakeSession) resolve() { s.infoOnce.Do(func() { close(s.info) }) }

func (s *fakeSession) setCompleted(path string, n int64) {
	s.mu.Lock()
	s.completed[path] = n
	s.mu.Unlock()
}

func (s *fakeSession) InfoHash() string         { return s.hash }
func (s *fakeSession) GotInfo() <-chan struct{} { return s.info }
func (s *fakeSession) Name() string             { return s.name }

func (s *fakeSession) Length() int64 {
	var n int64
	for _, f := range s.files {
		n += f.Size
	}

	return n
}

func (s *fakeSession) Files() []transfer.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transfer.File, len(s.files))
	for i, f := range s.files {
		out[i] = transfer.File{Path: f.Path, Size: f.Size, Selected: !s.deselected[f.Path]}
	}

	return out
}

func (s *fakeSession) Metainfo() ([]byte, error) { return s.metainfo, nil }

func (s *fakeSession) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for p, c := range s.completed {
		if !s.deselected[p] {
			n += c
		}
	}

	return n
}

func (s *fakeSession) SetFileSelected(path string, selected bool) {
	s.mu.Lock()
	s.deselected[path] = !selected
	s.mu.Unlock()
}

func (s *fakeSession) StartDownload() { s.set(&s.downloading, true) }
func (s *fakeSession) StopDownload()  { s.set(&s.downloading, false) }
func (s *fakeSession) StartUpload()   { s.set(&s.uploading, true) }
func (s *fakeSession) StopUpload()    { s.set(&s.uploading, false) }
func (s *fakeSession) Drop()          { s.set(&s.dropped, true) }

func (s *fakeSession) set(field *bool, v bool) {
	s.mu.Lock()
	*field = v
	s.mu.Unlock()
}

func (s *fakeSession) get(field *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *field
}

type fakeClient struct {
	mu       sync.Mutex
	session  *fakeSession
	magnets  []string
	torrents [][]byte
	closed   bool
}

func (c *fakeClient) AddMagnet(uri, _ string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.magnets = append(c.magnets, uri)

	return c.session, nil
}

func (c *fakeClient) AddTorrent(data []byte, _ string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.torrents = append(c.torrents, data)
	c.session.resolve()

	return c.session, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}
