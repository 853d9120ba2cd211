package rest

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/downloadmanager/internal/coordinator"
	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
	"github.com/italolelis/downloadmanager/internal/transfer/swarm"
)

const sessionID = "useless-session-id"

const maxTorrentSize = 10 * 1024 * 1024

type TransmissionTorrentStatus int

const (
	StatusStopped TransmissionTorrentStatus = iota
	StatusCheckWait
	StatusCheck
	StatusDownloadWait
	StatusDownload
	StatusSeedWait
	StatusSeed
)

type TransmissionTorrent struct {
	ID                 int64                     `json:"id"`
	HashString         string                    `json:"hashString,omitempty"`
	Name               string                    `json:"name"`
	DownloadDir        string                    `json:"downloadDir"`
	TotalSize          int64                     `json:"totalSize"`
	LeftUntilDone      int64                     `json:"leftUntilDone"`
	IsFinished         bool                      `json:"isFinished"`
	ETA                int64                     `json:"eta"`
	Status             TransmissionTorrentStatus `json:"status"`
	SecondsDownloading int64                     `json:"secondsDownloading"`
	ErrorString        *string                   `json:"errorString,omitempty"`
	DownloadedEver     int64                     `json:"downloadedEver"`
	SeedRatioLimit     float32                   `json:"seedRatioLimit"`
	SeedRatioMode      uint32                    `json:"seedRatioMode"`
	SeedIdleLimit      uint64                    `json:"seedIdleLimit"`
	SeedIdleMode       uint32                    `json:"seedIdleMode"`
	FileCount          uint32                    `json:"fileCount"`
}

type TransmissionResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type TransmissionRequest struct {
	Method    string `json:"method"`
	Arguments struct {
		Fields          []string   `json:"fields"`
		IDs             TorrentIDs `json:"ids"`
		Format          string     `json:"format"`
		FileName        string     `json:"filename"`
		Paused          bool       `json:"paused"`
		DownloadDir     string     `json:"download-dir"`
		Labels          []string   `json:"labels"`
		MetaInfo        string     `json:"metainfo"`
		SeedRationLimit float64    `json:"seedRatioLimit"`
		SeedRatioMode   int64      `json:"seedRatioMode"`
		SeedIdleLimit   int64      `json:"seedIdleLimit"`
		SeedIdleMode    int64      `json:"seedIdleMode"`
		DeleteLocalData bool       `json:"delete-local-data"`
	} `json:"arguments"`
}

// TorrentIDs accepts the mixed numeric ids and hash strings clients send.
type TorrentIDs []string

func (ids *TorrentIDs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// A single id is sent without the surrounding list.
		raw = []json.RawMessage{data}
	}

	out := make(TorrentIDs, 0, len(raw))

	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)

			continue
		}

		var n int64
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("invalid torrent id %s: %w", r, err)
		}

		out = append(out, strconv.FormatInt(n, 10))
	}

	*ids = out

	return nil
}

type TransmissionConfig struct {
	RPCVersion              string  `json:"rpc-version"`
	Version                 string  `json:"version"`
	DownloadDir             string  `json:"download-dir"`
	SeedRatioLimit          float32 `json:"seedRatioLimit"`
	SeedRatioLimited        bool    `json:"seedRatioLimited"`
	IdleSeedingLimit        uint64  `json:"idle-seeding-limit"`
	IdleSeedingLimitEnabled bool    `json:"idle-seeding-limit-enabled"`
}

func NewTransmissionConfig(downloadDir string) *TransmissionConfig {
	return &TransmissionConfig{
		RPCVersion:              "18",
		Version:                 "14.0.0",
		DownloadDir:             downloadDir,
		SeedRatioLimit:          1.0,
		SeedRatioLimited:        true,
		IdleSeedingLimit:        100,
		IdleSeedingLimitEnabled: false,
	}
}

// Downloads is the command surface of the download coordinator.
type Downloads interface {
	Submit(ctx context.Context, link string, kind task.Kind, destination string) (string, error)
	Pause(ctx context.Context, requestID string) error
	Resume(ctx context.Context, requestID string) error
	Cancel(ctx context.Context, requestID string) error
	Retry(ctx context.Context, requestID string) error
	Remove(ctx context.Context, requestID string) error
	Get(ctx context.Context, requestID string) (*task.Task, error)
	List(ctx context.Context) ([]*task.Task, error)
}

type TransmissionHandler struct {
	username    string
	password    string
	downloads   Downloads
	downloadDir string
	torrentDir  string
}

// NewTransmissionHandler creates a Transmission compatible RPC handler.
// Uploaded metainfo is stored under torrentDir and submitted as a local link.
func NewTransmissionHandler(username, password string, downloads Downloads, downloadDir, torrentDir string) *TransmissionHandler {
	return &TransmissionHandler{
		username:    username,
		password:    password,
		downloads:   downloads,
		downloadDir: downloadDir,
		torrentDir:  torrentDir,
	}
}

func (h *TransmissionHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/transmission/rpc", h.HandleRPC)
	r.Get("/transmission/rpc", h.HandleRPCGet)

	return r
}

// HandleRPC responsible to receive the callback from a webhook.
func (h *TransmissionHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	logger.Debug("received post rpc request")

	var req TransmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	var response *TransmissionResponse

	var err error

	switch req.Method {
	case "session-get":
		tConfig := NewTransmissionConfig(h.downloadDir)

		w.Header().Set("Content-Type", "application/json")

		jsonConfig, err := json.Marshal(tConfig)
		if err != nil {
			logger.Error("failed to marshal config", "err", err)
			http.Error(w, "failed to marshal config", http.StatusInternalServerError)

			return
		}

		response = &TransmissionResponse{
			Result:    "success",
			Arguments: jsonConfig,
		}
	case "torrent-get":
		response, err = h.handleTorrentGet(r.Context())
	case "torrent-set":
		// Nothing to do here
		response = &TransmissionResponse{
			Result: "success",
		}
	case "queue-move-top":
		// Nothing to do here
		response = &TransmissionResponse{
			Result: "success",
		}
	case "torrent-stop":
		response, err = h.handleTorrentCommand(r.Context(), &req, h.downloads.Pause)
	case "torrent-start", "torrent-start-now":
		response, err = h.handleTorrentCommand(r.Context(), &req, h.downloads.Resume)
	case "torrent-remove":
		response, err = h.handleTorrentRemove(r.Context(), &req)
	case "torrent-add":
		response, err = h.handleTorrentAdd(r.Context(), &req)
	default:
		logger.Error("unknown method", "method", req.Method)
		http.Error(w, fmt.Sprintf("unknown method %s", req.Method), http.StatusBadRequest)

		return
	}

	if err != nil {
		logger.Error("failed to handle request", "method", req.Method, "err", err)

		// Transmission RPC returns HTTP 200 with error in result field
		// This allows clients to display specific error messages
		errorResponse := &TransmissionResponse{
			Result: formatTransmissionError(err),
		}

		w.Header().Set("Content-Type", "application/json")
		if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
			// Only use HTTP error for server-side failures (encoding)
			logger.Error("failed to encode error response", "err", encodeErr)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)

		return
	}
}

// HandleRPCGet handles GET requests to the RPC endpoint.
func (h *TransmissionHandler) HandleRPCGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Transmission-Session-Id", sessionID)
	w.WriteHeader(http.StatusConflict)
	w.Write([]byte("{}"))
}

func (h *TransmissionHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// generateTorrentFilename generates a unique .torrent filename from torrent content.
func generateTorrentFilename(torrentBytes []byte) string {
	hash := sha1.Sum(torrentBytes)
	hashStr := hex.EncodeToString(hash[:])
	return fmt.Sprintf("%s.torrent", hashStr[:16])
}

// torrentIdentity derives the stable numeric id and hash string a
// Transmission client uses to address a task. Request ids change on every
// restart, links never do.
func torrentIdentity(link string) (int64, string) {
	hash := sha1.Sum([]byte(link))

	return int64(binary.BigEndian.Uint64(hash[:8]) >> 1), hex.EncodeToString(hash[:])
}

func invalidMetainfo(reason string, err error) error {
	return &transfer.InvalidLinkError{Link: "metainfo", Reason: reason, Err: err}
}

// handleTorrentAddByMetaInfo stores .torrent content from the MetaInfo field and
// returns the local link it was saved under.
func (h *TransmissionHandler) handleTorrentAddByMetaInfo(ctx context.Context, req *TransmissionRequest) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	torrentBytes, err := base64.StdEncoding.DecodeString(req.Arguments.MetaInfo)
	if err != nil {
		logger.Error("failed to decode base64 metainfo",
			"err", err,
			"error_type", "invalid_base64",
			"metainfo_length", len(req.Arguments.MetaInfo),
		)
		return "", invalidMetainfo(fmt.Sprintf("invalid base64 encoding: %v", err), err)
	}

	logger.Debug("decoded metainfo", "size_bytes", len(torrentBytes))

	// Check size BEFORE bencode validation (prevent memory exhaustion)
	if len(torrentBytes) > maxTorrentSize {
		return "", invalidMetainfo(fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(torrentBytes), maxTorrentSize), nil)
	}

	if err := swarm.ValidateTorrent(torrentBytes); err != nil {
		logger.Error("bencode validation failed",
			"err", err,
			"error_type", "invalid_bencode",
			"size_bytes", len(torrentBytes),
		)
		return "", invalidMetainfo(err.Error(), err)
	}

	if err := os.MkdirAll(h.torrentDir, 0o755); err != nil {
		return "", transfer.WrapDestination(h.torrentDir, err)
	}

	path := filepath.Join(h.torrentDir, generateTorrentFilename(torrentBytes))
	if err := os.WriteFile(path, torrentBytes, 0o644); err != nil {
		return "", transfer.WrapDestination(path, err)
	}

	logger.Debug("stored metainfo", "path", path)

	return path, nil
}

func (h *TransmissionHandler) handleTorrentAdd(ctx context.Context, req *TransmissionRequest) (*TransmissionResponse, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "handle_torrent_add")

	var (
		link string
		err  error
	)

	// MetaInfo wins when both are present.
	switch {
	case req.Arguments.MetaInfo != "":
		logger.Debug("processing torrent add request", "torrent_type", "metainfo")

		link, err = h.handleTorrentAddByMetaInfo(ctx, req)
		if err != nil {
			return nil, err
		}
	case req.Arguments.FileName != "":
		logger.Debug("processing torrent add request", "torrent_type", "link")

		link = req.Arguments.FileName
	default:
		return nil, fmt.Errorf("either metainfo or filename must be provided")
	}

	dir := req.Arguments.DownloadDir
	if dir == "" {
		dir = h.downloadDir
	}

	requestID, err := h.downloads.Submit(ctx, link, task.KindSwarm, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to add torrent: %w", err)
	}

	if req.Arguments.Paused {
		if err := h.downloads.Pause(ctx, requestID); err != nil {
			logger.Warn("failed to pause added torrent", "request_id", requestID, "err", err)
		}
	}

	name := link
	if t, err := h.downloads.Get(ctx, requestID); err == nil && t.Name != "" {
		name = t.Name
	}

	id, hash := torrentIdentity(link)

	logger.Info("torrent added", "request_id", requestID, "name", name)

	jsonTorrent, err := json.Marshal(map[string]interface{}{
		"torrent-added": map[string]interface{}{
			"id":         id,
			"name":       name,
			"hashString": hash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal torrent: %w", err)
	}

	return &TransmissionResponse{
		Result:    "success",
		Arguments: jsonTorrent,
	}, nil
}

// matchTasks returns the tasks addressed by Transmission ids. Ids may be
// numeric ids, hash strings or request ids.
func (h *TransmissionHandler) matchTasks(ctx context.Context, ids []string) ([]*task.Task, error) {
	tasks, err := h.downloads.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list torrents: %w", err)
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[strings.ToLower(id)] = true
	}

	var matched []*task.Task

	for _, t := range tasks {
		id, hash := torrentIdentity(t.Link)

		if wanted[strconv.FormatInt(id, 10)] || wanted[hash] || wanted[strings.ToLower(t.RequestID)] {
			matched = append(matched, t)
		}
	}

	return matched, nil
}

func (h *TransmissionHandler) handleTorrentCommand(ctx context.Context, req *TransmissionRequest, cmd func(context.Context, string) error) (*TransmissionResponse, error) {
	tasks, err := h.matchTasks(ctx, req.Arguments.IDs)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if err := cmd(ctx, t.RequestID); err != nil {
			return nil, fmt.Errorf("failed to update torrent %s: %w", t.Link, err)
		}
	}

	return &TransmissionResponse{
		Result: "success",
	}, nil
}

func (h *TransmissionHandler) handleTorrentRemove(ctx context.Context, req *TransmissionRequest) (*TransmissionResponse, error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Debug("received torrent remove request")

	tasks, err := h.matchTasks(ctx, req.Arguments.IDs)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if req.Arguments.DeleteLocalData {
			err = h.downloads.Cancel(ctx, t.RequestID)
		} else {
			if t.State.IsRunning() {
				if err := h.downloads.Pause(ctx, t.RequestID); err != nil {
					return nil, fmt.Errorf("failed to stop torrent: %w", err)
				}
			}

			err = h.downloads.Remove(ctx, t.RequestID)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to remove torrent: %w", err)
		}
	}

	return &TransmissionResponse{
		Result: "success",
	}, nil
}

func transmissionStatus(s task.State) TransmissionTorrentStatus {
	switch s {
	case task.StateInit:
		return StatusDownloadWait
	case task.StateDownloading:
		return StatusDownload
	case task.StateCompleted, task.StateSeeding:
		return StatusSeed
	}

	return StatusStopped
}

func (h *TransmissionHandler) handleTorrentGet(ctx context.Context) (*TransmissionResponse, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "handle_torrent_get")

	tasks, err := h.downloads.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get torrents: %w", err)
	}

	transmissionTorrents := make([]TransmissionTorrent, 0, len(tasks))

	for _, t := range tasks {
		id, hash := torrentIdentity(t.Link)

		var total, done int64
		if t.TotalKnown() {
			total = *t.TotalBytes
			done = int64(t.Progress * float64(total))
		}

		tt := TransmissionTorrent{
			ID:             id,
			HashString:     hash,
			Name:           t.Name,
			DownloadDir:    t.Destination,
			TotalSize:      total,
			LeftUntilDone:  total - done,
			IsFinished:     t.State.IsFinished(),
			ETA:            -1,
			Status:         transmissionStatus(t.State),
			DownloadedEver: done,
			FileCount:      1,
			SeedRatioLimit: 1.0,
			SeedRatioMode:  1,
			SeedIdleLimit:  100,
			SeedIdleMode:   1,
		}

		if tt.Name == "" {
			tt.Name = t.Link
		}

		if t.State.IsFailed() {
			msg := t.ErrorMessage
			tt.ErrorString = &msg
		}

		transmissionTorrents = append(transmissionTorrents, tt)
	}

	logger.Debug("converted torrents to transmission format", "count", len(transmissionTorrents))

	jsonTorrents, err := json.Marshal(map[string]interface{}{
		"torrents": transmissionTorrents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal torrents: %w", err)
	}

	return &TransmissionResponse{
		Result:    "success",
		Arguments: jsonTorrents,
	}, nil
}

// formatTransmissionError converts internal errors to Transmission-compatible error messages.
// Transmission RPC uses the "result" field for error reporting - this function
// produces user-friendly error messages for common failure cases.
func formatTransmissionError(err error) string {
	var invalidErr *transfer.InvalidLinkError
	if errors.As(err, &invalidErr) {
		return fmt.Sprintf("invalid torrent: %s", invalidErr.Reason)
	}

	var networkErr *transfer.NetworkError
	if errors.As(err, &networkErr) {
		return fmt.Sprintf("fetch failed: %s", networkErr.Message)
	}

	var destErr *transfer.DestinationError
	if errors.As(err, &destErr) {
		return fmt.Sprintf("directory error: %s", destErr.Reason)
	}

	if errors.Is(err, coordinator.ErrDestinationInvalid) {
		return "directory error: download directory is not writable"
	}

	// Generic fallback for unknown errors
	return fmt.Sprintf("error: %v", err)
}
