// Package git implements the Git commit-log transport backend (C5):
// every message becomes a commit on one of two branches in a local bare
// mirror, synchronized against a shared upstream bare repository via
// fetch/push, with non-fast-forward conflicts resolved by fetch-then-retry.
// Grounded on git_transport.py, using github.com/go-git/go-git/v5 in place
// of the original's `git` subprocess shellouts.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/sys/unix"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

const (
	DefaultInboundBranch  = "gitssh-c2s"
	DefaultOutboundBranch = "gitssh-s2c"
)

// Config configures the Git transport backend.
type Config struct {
	LocalRepoPath string
	UpstreamURL   string
	InboundBranch string
	OutboundBranch string

	PushRetries        int           // default 6
	ConflictRetryDelay time.Duration // default 50ms, doubling, capped 500ms
}

func (c *Config) applyDefaults() {
	if c.InboundBranch == "" {
		c.InboundBranch = DefaultInboundBranch
	}
	if c.OutboundBranch == "" {
		c.OutboundBranch = DefaultOutboundBranch
	}
	if c.PushRetries <= 0 {
		c.PushRetries = 6
	}
	if c.ConflictRetryDelay <= 0 {
		c.ConflictRetryDelay = 50 * time.Millisecond
	}
}

// Backend implements transport.Backend over commits in a local bare
// mirror synced against an upstream bare repo.
type Backend struct {
	cfg Config

	repo     *gogit.Repository
	lockPath string

	mu     sync.Mutex
	closed bool
}

// New opens (initializing if necessary) the local bare mirror and wires
// its origin remote to the configured upstream, matching
// GitTransportBackend.ensure_initialized.
func New(cfg Config) (*Backend, error) {
	cfg.applyDefaults()

	repo, err := gogit.PlainOpen(cfg.LocalRepoPath)
	if err != nil {
		if err != gogit.ErrRepositoryNotExists {
			return nil, transport.NewError("git", transport.Unavailable, "failed to open local mirror", err)
		}
		if mkErr := os.MkdirAll(cfg.LocalRepoPath, 0o755); mkErr != nil {
			return nil, transport.NewError("git", transport.Unavailable, "failed to create local mirror dir", mkErr)
		}
		repo, err = gogit.PlainInit(cfg.LocalRepoPath, true)
		if err != nil {
			return nil, transport.NewError("git", transport.Unavailable, "failed to init bare local mirror", err)
		}
	}

	b := &Backend{
		cfg:      cfg,
		repo:     repo,
		lockPath: filepath.Join(cfg.LocalRepoPath, "gitssh.lock"),
	}
	if err := b.ensureOriginRemote(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() string {
	return fmt.Sprintf("git:%s (upstream=%s, in=%s, out=%s)",
		b.cfg.LocalRepoPath, b.cfg.UpstreamURL, b.cfg.InboundBranch, b.cfg.OutboundBranch)
}

func (b *Backend) inboundRefName() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(b.cfg.InboundBranch)
}

func (b *Backend) outboundRefName() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(b.cfg.OutboundBranch)
}

func (b *Backend) ensureOriginRemote() error {
	remote, err := b.repo.Remote("origin")
	if err != nil {
		_, err = b.repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{b.cfg.UpstreamURL}})
		if err != nil {
			return transport.NewError("git", transport.Unavailable, "failed to add origin remote", err)
		}
		return nil
	}
	urls := remote.Config().URLs
	if len(urls) == 0 || urls[0] != b.cfg.UpstreamURL {
		cfg := b.repo.Config()
		cfg.Remotes["origin"] = &config.RemoteConfig{Name: "origin", URLs: []string{b.cfg.UpstreamURL}}
		if err := b.repo.SetConfig(cfg); err != nil {
			return transport.NewError("git", transport.Unavailable, "failed to realign origin remote", err)
		}
	}
	return nil
}

// withRepoLock serializes local-mirror writers via an flock'd lock file,
// matching GitTransportBackend._repo_lock.
func (b *Backend) withRepoLock(fn func() error) error {
	fd, err := unix.Open(b.lockPath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return transport.NewError("git", transport.Unavailable, "failed to open lock file", err)
	}
	defer unix.Close(fd)
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return transport.NewError("git", transport.Unavailable, "failed to acquire lock", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)
	return fn()
}

func (b *Backend) resolveRef(name plumbing.ReferenceName) (*plumbing.Hash, error) {
	ref, err := b.repo.Reference(name, true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil, nil
		}
		return nil, err
	}
	h := ref.Hash()
	return &h, nil
}

func (b *Backend) SnapshotInboundCursor() *string {
	hash, err := b.resolveRef(b.inboundRefName())
	if err != nil || hash == nil {
		return nil
	}
	s := hash.String()
	return &s
}

// ReadInboundMessages walks the reverse-chronological commit list strictly
// newer than cursor on the inbound branch, extracting the single
// frames/*.json blob per commit, matching read_inbound_messages /
// _list_commits.
func (b *Backend) ReadInboundMessages(cursor *string) ([]*protocol.Message, *string, error) {
	head, err := b.resolveRef(b.inboundRefName())
	if err != nil {
		return nil, cursor, transport.NewError("git", transport.Unavailable, "failed to resolve inbound ref", err)
	}
	if head == nil {
		return nil, cursor, nil
	}
	headStr := head.String()
	if cursor != nil && *cursor == headStr {
		return nil, cursor, nil
	}

	commitHashes, err := b.listCommitsSince(cursor, *head)
	if err != nil {
		return nil, cursor, transport.NewError("git", transport.Unavailable, "failed to list inbound commits", err)
	}

	var messages []*protocol.Message
	for _, h := range commitHashes {
		content, ok, err := b.readFrameBlob(h)
		if err != nil {
			return nil, cursor, transport.NewError("git", transport.Unavailable, "failed to read commit frame", err)
		}
		if !ok {
			continue
		}
		m, ok := protocol.Decode(protocol.GitSSH, content)
		if !ok {
			continue
		}
		messages = append(messages, m)
	}

	next := headStr
	if len(commitHashes) > 0 {
		next = commitHashes[len(commitHashes)-1].String()
	} else if cursor != nil {
		next = *cursor
	}
	return messages, &next, nil
}

// listCommitsSince walks ancestors of head, collecting hashes strictly
// newer than cursor, then reverses to chronological order. If cursor is
// no longer reachable (history rewrite), it falls back to full history,
// matching _list_commits's GitTransportError fallback.
func (b *Backend) listCommitsSince(cursor *string, head plumbing.Hash) ([]plumbing.Hash, error) {
	commitIter, err := b.repo.Log(&gogit.LogOptions{From: head})
	if err != nil {
		return nil, err
	}
	defer commitIter.Close()

	var all []plumbing.Hash
	var stopped bool
	err = commitIter.ForEach(func(c *object.Commit) error {
		if stopped {
			return nil
		}
		if cursor != nil && c.Hash.String() == *cursor {
			stopped = true
			return nil
		}
		all = append(all, c.Hash)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cursor != nil && !stopped {
		logger.Debug("git cursor no longer reachable, falling back to full history", "cursor", *cursor)
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// readFrameBlob extracts the single frames/*.json blob from a commit's
// tree, matching _frame_path_for_commit + _show_file.
func (b *Backend) readFrameBlob(h plumbing.Hash) (content string, ok bool, err error) {
	commit, err := b.repo.CommitObject(h)
	if err != nil {
		return "", false, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", false, err
	}
	frames, err := tree.Tree("frames")
	if err != nil {
		if err == object.ErrDirectoryNotFound || err == plumbing.ErrObjectNotFound {
			return "", false, nil
		}
		return "", false, err
	}

	for _, entry := range frames.Entries {
		if !strings.HasSuffix(entry.Name, ".json") {
			continue
		}
		file, err := frames.TreeEntryFile(&entry)
		if err != nil {
			return "", false, err
		}
		text, err := file.Contents()
		if err != nil {
			return "", false, err
		}
		return text, true, nil
	}
	return "", false, nil
}

// FetchInbound fetches the inbound branch from upstream into the local
// mirror, tolerating a not-yet-existing remote branch.
func (b *Backend) FetchInbound() error {
	return b.withRepoLock(func() error {
		return b.fetchBranchToLocal(b.cfg.InboundBranch, b.inboundRefName())
	})
}

// fetchBranchToLocal mirrors _fetch_branch_to_local: missing remote refs
// are tolerated, everything else is a transport error.
func (b *Backend) fetchBranchToLocal(branch string, localRef plumbing.ReferenceName) error {
	refSpec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", branch, localRef))
	err := b.repo.Fetch(&gogit.FetchOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{refSpec}})
	if err == nil || err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	if isMissingRemoteRef(err) {
		return nil
	}
	return transport.NewError("git", transport.Unavailable, fmt.Sprintf("git fetch failed (branch=%s)", branch), err)
}

func isMissingRemoteRef(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"couldn't find remote ref", "no such ref was fetched", "reference not found"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// WriteOutboundMessage commits the encoded message as a single
// frames/<msg_id>.json blob on the outbound branch, retrying through
// fetch-then-retry on non-fast-forward push rejection, matching
// write_outbound_message.
func (b *Backend) WriteOutboundMessage(m *protocol.Message) (string, error) {
	payload, err := protocol.Encode(m)
	if err != nil {
		return "", transport.NewError("git", transport.EncodeOversize, "failed to encode message", err)
	}

	var commitID string
	err = b.withRepoLock(func() error {
		delay := b.cfg.ConflictRetryDelay
		for attempt := 0; attempt < b.cfg.PushRetries; attempt++ {
			hash, err := b.commitFrameOnOutbound(m, payload)
			if err != nil {
				return err
			}

			pushErr := b.pushOutboundOnce()
			if pushErr == nil {
				commitID = hash.String()
				return nil
			}

			if !isNonFastForward(pushErr) {
				return transport.NewError("git", transport.Unavailable, "git push failed", pushErr)
			}

			if attempt+1 < b.cfg.PushRetries {
				if fetchErr := b.fetchBranchToLocal(b.cfg.OutboundBranch, b.outboundRefName()); fetchErr != nil {
					return fetchErr
				}
				time.Sleep(delay)
				delay *= 2
				if delay > 500*time.Millisecond {
					delay = 500 * time.Millisecond
				}
				continue
			}
			return transport.NewError("git", transport.PeerTimeout,
				"failed to push outbound branch after retries due to repeated non-fast-forward conflicts", pushErr)
		}
		return transport.NewError("git", transport.PeerTimeout, "failed to push outbound message", nil)
	})
	if err != nil {
		return "", err
	}
	return commitID, nil
}

func (b *Backend) commitFrameOnOutbound(m *protocol.Message, payload string) (plumbing.Hash, error) {
	parent, err := b.resolveRef(b.outboundRefName())
	if err != nil {
		return plumbing.ZeroHash, err
	}

	blobHash, err := b.writeBlob([]byte(payload))
	if err != nil {
		return plumbing.ZeroHash, err
	}

	frameTree := &object.Tree{Entries: []object.TreeEntry{
		{Name: m.MsgID + ".json", Mode: filemode.Regular, Hash: blobHash},
	}}
	frameTreeHash, err := b.writeTree(frameTree)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	rootTree := &object.Tree{Entries: []object.TreeEntry{
		{Name: "frames", Mode: filemode.Dir, Hash: frameTreeHash},
	}}
	rootTreeHash, err := b.writeTree(rootTree)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	subject := fmt.Sprintf("gitssh:%s:%s:%d:%s", m.Kind, m.SessionID, m.Seq, m.MsgID)
	sig := object.Signature{Name: "gitssh", Email: "gitssh@localhost", When: time.Now()}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   subject + "\n",
		TreeHash:  rootTreeHash,
	}
	if parent != nil {
		commit.ParentHashes = []plumbing.Hash{*parent}
	}

	obj := b.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := b.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	ref := plumbing.NewHashReference(b.outboundRefName(), commitHash)
	if err := b.repo.Storer.SetReference(ref); err != nil {
		return plumbing.ZeroHash, err
	}
	return commitHash, nil
}

func (b *Backend) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := b.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return b.repo.Storer.SetEncodedObject(obj)
}

func (b *Backend) writeTree(tree *object.Tree) (plumbing.Hash, error) {
	obj := b.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return b.repo.Storer.SetEncodedObject(obj)
}

func (b *Backend) pushOutboundOnce() error {
	refSpec := config.RefSpec(fmt.Sprintf("%s:%s", b.outboundRefName(), b.outboundRefName()))
	err := b.repo.Push(&gogit.PushOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{refSpec}})
	if err == nil || err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

func isNonFastForward(err error) bool {
	if err == nil {
		return false
	}
	if err == gogit.ErrNonFastForwardUpdate {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"non-fast-forward", "fetch first", "rejected", "failed to push some refs"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// PushOutbound re-attempts delivery of the outbound branch tip, absorbing
// non-fast-forward rejections by re-fetching, matching push_outbound.
func (b *Backend) PushOutbound() error {
	return b.withRepoLock(func() error {
		head, err := b.resolveRef(b.outboundRefName())
		if err != nil {
			return transport.NewError("git", transport.Unavailable, "failed to resolve outbound ref", err)
		}
		if head == nil {
			return nil
		}
		pushErr := b.pushOutboundOnce()
		if pushErr == nil {
			return nil
		}
		if isNonFastForward(pushErr) {
			return b.fetchBranchToLocal(b.cfg.OutboundBranch, b.outboundRefName())
		}
		return transport.NewError("git", transport.Unavailable, "git push failed", pushErr)
	})
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
