package swarm

import "github.com/italolelis/downloadmanager/internal/transfer"

// Client creates swarm sessions. The production implementation wraps an
// anacrolix torrent client; tests use an in-memory fake.
type Client interface {
	// AddMagnet joins the swarm of a magnet uri, storing data under dir.
	AddMagnet(uri, dir string) (Session, error)
	// AddTorrent joins the swarm described by raw metainfo bytes.
	AddTorrent(metainfo []byte, dir string) (Session, error)
	Close() error
}

// Session is one torrent inside a Client.
type Session interface {
	InfoHash() string
	// GotInfo is closed once the metainfo is known.
	GotInfo() <-chan struct{}
	// Name, Length and Files are valid after GotInfo.
	Name() string
	Length() int64
	// Files returns paths relative to the storage directory.
	Files() []transfer.File
	Metainfo() ([]byte, error)
	// BytesCompleted counts verified bytes of the selected files.
	BytesCompleted() int64
	SetFileSelected(path string, selected bool)
	StartDownload()
	StopDownload()
	StartUpload()
	StopUpload()
	Drop()
}
