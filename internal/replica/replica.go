// Package replica holds the client-local mergeable document content. It wraps
// an automerge document keyed as a map of block id to block text, so edits to
// distinct blocks commute and edits to the same block resolve later-writer-wins.
package replica

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

const blocksKey = "blocks"

const (
	// SeedBlockID is the block identifier used for freshly created documents.
	SeedBlockID = "p1"
	// SeedBlockText is the placeholder paragraph for freshly created documents.
	SeedBlockText = "Start typing..."
)

// EditType enumerates supported local edit operations.
type EditType string

const (
	// EditTypeSetBlock inserts or replaces the text of one block.
	EditTypeSetBlock EditType = "set_block"
	// EditTypeRemoveBlock removes one block.
	EditTypeRemoveBlock EditType = "remove_block"
)

var (
	// ErrInvalidEdit indicates a malformed local edit.
	ErrInvalidEdit = errors.New("replica: invalid edit")
	// ErrInvalidSnapshot indicates bytes that do not decode to a replica state.
	ErrInvalidSnapshot = errors.New("replica: invalid snapshot")
)

// Edit describes one local mutation of the replica.
type Edit struct {
	Type    EditType
	BlockID string
	Text    string
}

func (edit Edit) validate() error {
	if strings.TrimSpace(edit.BlockID) == "" {
		return fmt.Errorf("%w: empty block id", ErrInvalidEdit)
	}
	switch edit.Type {
	case EditTypeSetBlock, EditTypeRemoveBlock:
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEdit, edit.Type)
	}
}

// Replica is a client-local copy of document content. Every successful apply,
// local or remote, refreshes the cached serialization and its hash so the
// session always knows the digest of the content most recently written.
type Replica struct {
	mu             sync.Mutex
	doc            *automerge.Doc
	cachedSnapshot []byte
	cachedHash     string
}

// New constructs an empty replica.
func New() *Replica {
	r := &Replica{doc: automerge.New()}
	r.refreshCacheLocked()
	return r
}

// NewSeeded constructs a replica holding the default placeholder paragraph.
func NewSeeded() (*Replica, error) {
	r := &Replica{doc: automerge.New()}
	if err := r.doc.Path(blocksKey, SeedBlockID).Set(SeedBlockText); err != nil {
		return nil, err
	}
	r.refreshCacheLocked()
	return r, nil
}

// Load reconstructs a replica from serialized snapshot bytes.
func Load(raw []byte) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	r := &Replica{doc: doc}
	r.refreshCacheLocked()
	return r, nil
}

// ApplyLocalEdit applies one local edit immediately. Edits are visible to the
// caller without any round trip.
func (r *Replica) ApplyLocalEdit(edit Edit) error {
	if err := edit.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch edit.Type {
	case EditTypeSetBlock:
		if err := r.doc.Path(blocksKey, edit.BlockID).Set(edit.Text); err != nil {
			return err
		}
	case EditTypeRemoveBlock:
		value, err := r.doc.Path(blocksKey).Get()
		if err != nil {
			return err
		}
		if value.Kind() != automerge.KindMap {
			return nil
		}
		if err := value.Map().Delete(edit.BlockID); err != nil {
			return err
		}
	}
	r.refreshCacheLocked()
	return nil
}

// ApplyRemoteSnapshot merges an externally observed snapshot into the replica.
// Merging, not overwriting, keeps locally buffered edits that the snapshot
// does not yet reflect. Applying the same snapshot twice is a no-op.
func (r *Replica) ApplyRemoteSnapshot(raw []byte) error {
	remote, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.doc.Merge(remote); err != nil {
		return err
	}
	r.refreshCacheLocked()
	return nil
}

// Serialize returns the cached snapshot bytes for the current state.
func (r *Replica) Serialize() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.cachedSnapshot))
	copy(out, r.cachedSnapshot)
	return out
}

// CurrentHash returns the hex sha256 digest of the cached snapshot bytes.
func (r *Replica) CurrentHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachedHash
}

// Blocks returns the block id to text mapping of the current state.
func (r *Replica) Blocks() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocksLocked()
}

// BlockText returns the text of one block and whether it exists.
func (r *Replica) BlockText(blockID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blocks, err := r.blocksLocked()
	if err != nil {
		return "", false, err
	}
	text, ok := blocks[blockID]
	return text, ok, nil
}

func (r *Replica) blocksLocked() (map[string]string, error) {
	blocks := make(map[string]string)
	value, err := r.doc.Path(blocksKey).Get()
	if err != nil {
		return nil, err
	}
	if value.Kind() != automerge.KindMap {
		return blocks, nil
	}
	blockMap := value.Map()
	keys, err := blockMap.Keys()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		item, err := blockMap.Get(key)
		if err != nil {
			return nil, err
		}
		if item.Kind() == automerge.KindStr {
			blocks[key] = item.Str()
		}
	}
	return blocks, nil
}

func (r *Replica) refreshCacheLocked() {
	raw := r.doc.Save()
	sum := sha256.Sum256(raw)
	r.cachedSnapshot = raw
	r.cachedHash = hex.EncodeToString(sum[:])
}
