package swarm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/zeebo/bencode"

	"github.com/italolelis/downloadmanager/internal/transfer"
)

// maxTorrentSize bounds the metainfo files we are willing to load.
const maxTorrentSize = 10 << 20

type linkKind int

const (
	linkMagnet linkKind = iota
	linkRemoteTorrent
	linkLocalTorrent
)

func classifyLink(link string) (linkKind, error) {
	lower := strings.ToLower(link)

	switch {
	case strings.HasPrefix(lower, "magnet:"):
		if _, err := metainfo.ParseMagnetUri(link); err != nil {
			return 0, &transfer.InvalidLinkError{Link: link, Reason: "malformed magnet uri", Err: err}
		}

		return linkMagnet, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(link)
		if err != nil || u.Host == "" {
			return 0, &transfer.InvalidLinkError{Link: link, Reason: "malformed torrent url", Err: err}
		}

		return linkRemoteTorrent, nil
	case strings.HasPrefix(lower, "file://"), strings.HasSuffix(lower, ".torrent"):
		return linkLocalTorrent, nil
	}

	return 0, &transfer.InvalidLinkError{Link: link, Reason: "not a magnet uri or torrent reference"}
}

// loadTorrent fetches and validates the metainfo a torrent link points to.
func (e *Engine) loadTorrent(ctx context.Context, link string, kind linkKind) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch kind {
	case linkRemoteTorrent:
		data, err = e.fetchTorrent(ctx, link)
	case linkLocalTorrent:
		data, err = readLocalTorrent(link)
	default:
		return nil, fmt.Errorf("link %s has no metainfo to load", link)
	}

	if err != nil {
		return nil, err
	}

	if err := ValidateTorrent(data); err != nil {
		return nil, &transfer.InvalidLinkError{Link: link, Reason: err.Error(), Err: err}
	}

	return data, nil
}

func (e *Engine) fetchTorrent(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, &transfer.InvalidLinkError{Link: link, Reason: "cannot build request", Err: err}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_torrent", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transfer.NetworkError{Operation: "fetch_torrent", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize+1))
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_torrent", Message: err.Error(), Err: err}
	}

	if len(data) > maxTorrentSize {
		return nil, &transfer.InvalidLinkError{Link: link, Reason: "torrent file too large"}
	}

	return data, nil
}

func readLocalTorrent(link string) ([]byte, error) {
	path := strings.TrimPrefix(link, "file://")

	f, err := os.Open(path)
	if err != nil {
		return nil, &transfer.InvalidLinkError{Link: link, Reason: "cannot open torrent file", Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTorrentSize+1))
	if err != nil {
		return nil, &transfer.InvalidLinkError{Link: link, Reason: "cannot read torrent file", Err: err}
	}

	if len(data) > maxTorrentSize {
		return nil, &transfer.InvalidLinkError{Link: link, Reason: "torrent file too large"}
	}

	return data, nil
}

// ValidateTorrent checks that data is a bencoded dictionary with an info
// dictionary, the minimum for a usable torrent.
func ValidateTorrent(data []byte) error {
	var root any

	if err := bencode.DecodeBytes(data, &root); err != nil {
		return fmt.Errorf("invalid bencode structure: %w", err)
	}

	dict, ok := root.(map[string]any)
	if !ok {
		return fmt.Errorf("bencode root must be a dictionary")
	}

	if _, ok := dict["info"].(map[string]any); !ok {
		return fmt.Errorf("bencode missing required 'info' dictionary")
	}

	return nil
}
