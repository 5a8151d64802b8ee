// Package drive implements the Google Drive appData transport backend
// (C6): two append-line log files, one per direction, read by full
// download and written by full-file upload, with OAuth token caching and
// exponential-backoff retry on transient Drive errors. Grounded on
// google_drive_transport.py, using google.golang.org/api/drive/v3 +
// golang.org/x/oauth2 in place of the original's googleapiclient/
// google-auth-oauthlib stack.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

const (
	AppDataScope          = drive.DriveAppdataScope
	DefaultInboundFileC2S = "gitssh2-c2s.log"
	DefaultOutboundFileS2C = "gitssh2-s2c.log"
)

// Config configures the Drive transport backend.
type Config struct {
	ClientSecretsPath string
	TokenPath         string // default "~/.config/clipssh/drive-token.json"
	InboundFileName   string
	OutboundFileName  string

	MaxRetries      int           // default 5
	RetryBaseDelay  time.Duration // default 200ms, doubling, capped 2s

	// Service, when non-nil, is used instead of building a real Drive
	// client — the Go analogue of the original's drive_service/
	// auth_factory test seams.
	Service *drive.Service
}

func (c *Config) applyDefaults() {
	if c.TokenPath == "" {
		c.TokenPath = filepath.Join(os.Getenv("HOME"), ".config", "clipssh", "drive-token.json")
	}
	if c.InboundFileName == "" {
		c.InboundFileName = DefaultInboundFileC2S
	}
	if c.OutboundFileName == "" {
		c.OutboundFileName = DefaultOutboundFileS2C
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
}

// Backend implements transport.Backend over two Drive appData log files.
type Backend struct {
	cfg     Config
	service *drive.Service

	inboundFileID  string
	outboundFileID string

	mu            sync.Mutex
	inboundLines  []string
}

// New builds a Backend: authorizes (or reuses cfg.Service), ensures both
// appData files exist, and performs the initial inbound fetch, matching
// GoogleDriveTransportBackend.__init__.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	cfg.applyDefaults()

	service := cfg.Service
	if service == nil {
		var err error
		service, err = buildDriveService(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	b := &Backend{cfg: cfg, service: service}

	inboundID, err := b.ensureAppDataFile(cfg.InboundFileName)
	if err != nil {
		return nil, err
	}
	outboundID, err := b.ensureAppDataFile(cfg.OutboundFileName)
	if err != nil {
		return nil, err
	}
	b.inboundFileID = inboundID
	b.outboundFileID = outboundID

	if err := b.FetchInbound(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() string {
	return fmt.Sprintf("google-drive:in=%s,out=%s,scope=%s", b.cfg.InboundFileName, b.cfg.OutboundFileName, AppDataScope)
}

// buildDriveService performs the OAuth authorization flow, reading a
// cached token from TokenPath and refreshing it if expired, matching
// _default_authorize. It never launches an interactive consent flow on
// this headless server/client core: callers without a valid cached token
// must run an out-of-band login helper first, matching the original's
// "requires an interactive terminal" failure mode.
func buildDriveService(ctx context.Context, cfg Config) (*drive.Service, error) {
	if _, err := os.Stat(cfg.ClientSecretsPath); err != nil {
		return nil, transport.NewError("google-drive", transport.Unavailable,
			fmt.Sprintf("client secrets file does not exist: %s", cfg.ClientSecretsPath), err)
	}
	secrets, err := os.ReadFile(cfg.ClientSecretsPath)
	if err != nil {
		return nil, transport.NewError("google-drive", transport.Unavailable, "failed to read client secrets", err)
	}
	oauthCfg, err := google.ConfigFromJSON(secrets, AppDataScope)
	if err != nil {
		return nil, transport.NewError("google-drive", transport.Unavailable, "failed to parse client secrets", err)
	}

	tok, err := loadToken(cfg.TokenPath)
	if err != nil {
		return nil, transport.NewError("google-drive", transport.Unavailable,
			"OAuth token is missing or invalid and interactive login is required; "+
				"run the login helper once in an interactive terminal to complete OAuth consent", err)
	}

	tokenSource := oauthCfg.TokenSource(ctx, tok)
	refreshed, err := tokenSource.Token()
	if err != nil {
		return nil, transport.NewError("google-drive", transport.Unavailable, "failed to refresh OAuth token", err)
	}
	if refreshed.AccessToken != tok.AccessToken {
		saveToken(cfg.TokenPath, refreshed)
	}

	service, err := drive.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, transport.NewError("google-drive", transport.Unavailable, "failed to build drive client", err)
	}
	return service, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// saveToken persists a refreshed token with 0600 permissions, matching
// _write_token_json.
func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}

func (b *Backend) ensureAppDataFile(name string) (string, error) {
	id, err := b.findFileIDByName(name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	var created *drive.File
	err = b.runDriveCall(fmt.Sprintf("create appData file %s", name), func() error {
		var callErr error
		created, callErr = b.service.Files.Create(&drive.File{Name: name, Parents: []string{"appDataFolder"}}).
			Media(bytes.NewReader(nil)).Fields("id").Do()
		return callErr
	})
	if err != nil {
		return "", err
	}
	if created == nil || created.Id == "" {
		return "", transport.NewError("google-drive", transport.Unavailable, fmt.Sprintf("drive create returned no id for %s", name), nil)
	}
	return created.Id, nil
}

func (b *Backend) findFileIDByName(name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and trashed = false", strings.ReplaceAll(name, "'", "\\'"))
	var result *drive.FileList
	err := b.runDriveCall(fmt.Sprintf("find appData file %s", name), func() error {
		var callErr error
		result, callErr = b.service.Files.List().Q(query).Spaces("appDataFolder").Fields("files(id,name)").PageSize(200).Do()
		return callErr
	})
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	for _, f := range result.Files {
		if f.Id != "" {
			return f.Id, nil
		}
	}
	return "", nil
}

func (b *Backend) downloadFileText(fileID string) (string, error) {
	var text string
	err := b.runDriveCall(fmt.Sprintf("download file %s", fileID), func() error {
		resp, callErr := b.service.Files.Get(fileID).Download()
		if callErr != nil {
			return callErr
		}
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		text = string(data)
		return nil
	})
	return text, err
}

func (b *Backend) uploadFileText(fileID, text string) error {
	return b.runDriveCall(fmt.Sprintf("update file %s", fileID), func() error {
		_, callErr := b.service.Files.Update(fileID, &drive.File{}).
			Media(strings.NewReader(text)).Do()
		return callErr
	})
}

// SnapshotInboundCursor returns the count of inbound lines observed so
// far, matching snapshot_inbound_cursor's integer-line-index cursor.
func (b *Backend) SnapshotInboundCursor() *string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strconv.Itoa(len(b.inboundLines))
	return &s
}

func (b *Backend) ReadInboundMessages(cursor *string) ([]*protocol.Message, *string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := parseCursor(cursor)
	total := len(b.inboundLines)
	if start >= total {
		s := strconv.Itoa(total)
		return nil, &s, nil
	}

	var messages []*protocol.Message
	for _, line := range b.inboundLines[start:] {
		m, ok := protocol.Decode(protocol.GitSSH, line)
		if !ok {
			continue
		}
		messages = append(messages, m)
	}
	s := strconv.Itoa(total)
	return messages, &s, nil
}

func parseCursor(cursor *string) int {
	if cursor == nil {
		return 0
	}
	v, err := strconv.Atoi(*cursor)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// FetchInbound downloads the inbound log file and splits it into lines,
// matching fetch_inbound.
func (b *Backend) FetchInbound() error {
	text, err := b.downloadFileText(b.inboundFileID)
	if err != nil {
		return err
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	b.mu.Lock()
	b.inboundLines = lines
	b.mu.Unlock()
	return nil
}

// WriteOutboundMessage appends one line to the outbound log by
// downloading, appending, and re-uploading the whole file, matching
// write_outbound_message's full-file-rewrite trade-off.
func (b *Backend) WriteOutboundMessage(m *protocol.Message) (string, error) {
	payload, err := protocol.Encode(m)
	if err != nil {
		return "", transport.NewError("google-drive", transport.EncodeOversize, "failed to encode message", err)
	}

	existing, err := b.downloadFileText(b.outboundFileID)
	if err != nil {
		return "", err
	}
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	updated := existing + payload + "\n"
	if err := b.uploadFileText(b.outboundFileID, updated); err != nil {
		return "", err
	}
	return m.MsgID, nil
}

// PushOutbound is a no-op: writes are sent immediately on each append,
// matching push_outbound's "writes are sent immediately" comment.
func (b *Backend) PushOutbound() error { return nil }

func (b *Backend) Close() error { return nil }

// runDriveCall retries action with exponential backoff (base delay
// doubling, capped 2s) on transient HTTP/keyword errors, matching
// _run_drive_call / _is_retryable_error.
func (b *Backend) runDriveCall(action string, fn func() error) error {
	delay := b.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt+1 < b.cfg.MaxRetries && isRetryableDriveError(lastErr) {
			time.Sleep(delay)
			delay *= 2
			if delay > 2*time.Second {
				delay = 2 * time.Second
			}
			continue
		}
		break
	}
	return transport.NewError("google-drive", transport.Unavailable, fmt.Sprintf("%s failed", action), lastErr)
}

func isRetryableDriveError(err error) bool {
	var apiErr *googleapi.Error
	if ok := asGoogleAPIError(err, &apiErr); ok {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range []string{"rate limit", "backend error", "internal error", "temporarily unavailable", "connection reset", "timeout"} {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		*target = apiErr
		return true
	}
	return false
}
