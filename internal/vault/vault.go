// Package vault overlays per-note password encryption on top of the tree.
//
// Content is wrapped in a tagged envelope: a fixed prefix followed by base64
// of a JSON object carrying the KDF salt, the GCM nonce and the ciphertext.
// Any content beginning with the prefix is treated as locked by every store;
// the stores themselves never inspect past the prefix.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/quincenote/quince/pkg/models"
)

// EnvelopePrefix tags encrypted content.
const EnvelopePrefix = "enc:v1:"

const (
	kdfIterations = 180000
	keySize       = 32
	saltSize      = 16
	nonceSize     = 12
)

// ErrWrongPasswordOrCorrupt is the single opaque decryption failure. Wrong
// password and corrupted ciphertext are deliberately indistinguishable so
// the error is not a password-guessing oracle.
var ErrWrongPasswordOrCorrupt = errors.New("wrong password or corrupted data")

// ErrNotCached is returned by operations that need a previously unlocked
// plaintext and password.
var ErrNotCached = errors.New("note is not unlocked")

type envelope struct {
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

type entry struct {
	plaintext string
	password  string
	version   uint64

	// commitMu serializes commit deliveries for this node so a newer
	// result can never be overtaken by an older in-flight one.
	commitMu sync.Mutex
}

// Vault owns the transient plaintext/password cache. Plaintext and passwords
// live only in memory and only while a note is unlocked.
type Vault struct {
	mu      sync.Mutex
	entries map[string]*entry

	// Commit receives a finished re-encryption for a node. Stale results
	// (superseded by a newer Edit) are never delivered. It runs outside
	// the vault's state lock, so it may call back into the vault.
	Commit func(nodeID, enc string)
}

// New creates an empty vault.
func New(commit func(nodeID, enc string)) *Vault {
	return &Vault{
		entries: make(map[string]*entry),
		Commit:  commit,
	}
}

// IsEncrypted reports whether content carries the envelope prefix.
func IsEncrypted(content string) bool {
	return strings.HasPrefix(content, EnvelopePrefix)
}

// IsLocked reports whether the node holds an envelope with no cached
// plaintext, i.e. access requires a password prompt.
func (v *Vault) IsLocked(n *models.Node) bool {
	if n == nil || !IsEncrypted(n.Content) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entries[n.ID]
	return !ok
}

// Lock encrypts plaintext under password and caches both so further edits
// do not re-prompt. Returns the envelope to store as node content.
func (v *Vault) Lock(nodeID, plaintext, password string) (string, error) {
	enc, err := seal(plaintext, password)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	v.entries[nodeID] = &entry{plaintext: plaintext, password: password}
	v.mu.Unlock()
	return enc, nil
}

// Unlock decrypts an envelope and caches the plaintext and password. Any
// failure is reported as ErrWrongPasswordOrCorrupt.
func (v *Vault) Unlock(nodeID, enc, password string) (string, error) {
	plaintext, err := open(enc, password)
	if err != nil {
		return "", ErrWrongPasswordOrCorrupt
	}
	v.mu.Lock()
	v.entries[nodeID] = &entry{plaintext: plaintext, password: password}
	v.mu.Unlock()
	return plaintext, nil
}

// Plaintext returns the cached plaintext for an unlocked node.
func (v *Vault) Plaintext(nodeID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[nodeID]
	if !ok {
		return "", false
	}
	return e.plaintext, true
}

// Edit updates the cached plaintext immediately and re-encrypts under the
// cached password in the background. Each edit bumps a per-node version;
// a finished re-encryption is discarded when a newer edit superseded it, so
// a slow in-flight encryption can never clobber a later edit.
func (v *Vault) Edit(nodeID, plaintext string) error {
	v.mu.Lock()
	e, ok := v.entries[nodeID]
	if !ok {
		v.mu.Unlock()
		return ErrNotCached
	}
	e.plaintext = plaintext
	e.version++
	version := e.version
	password := e.password
	v.mu.Unlock()

	go func() {
		enc, err := seal(plaintext, password)
		if err != nil {
			return
		}
		// Deliveries for one node run one at a time; an older result that
		// passed its staleness check finishes delivering before a newer
		// one re-checks, so commits always land in edit order. The state
		// lock is released before Commit runs.
		e.commitMu.Lock()
		defer e.commitMu.Unlock()
		v.mu.Lock()
		cur, ok := v.entries[nodeID]
		stale := !ok || cur != e || cur.version != version
		commit := v.Commit
		v.mu.Unlock()
		if stale || commit == nil {
			return
		}
		commit(nodeID, enc)
	}()
	return nil
}

// Relock performs a final synchronous re-encryption under the cached
// password and evicts the plaintext and password. All future access
// requires a fresh Unlock.
func (v *Vault) Relock(nodeID string) (string, error) {
	v.mu.Lock()
	e, ok := v.entries[nodeID]
	if !ok {
		v.mu.Unlock()
		return "", ErrNotCached
	}
	plaintext, password := e.plaintext, e.password
	// Bump so any in-flight background encryption is discarded.
	e.version++
	delete(v.entries, nodeID)
	v.mu.Unlock()

	return seal(plaintext, password)
}

// Forget drops the cache entry for a node without re-encrypting.
func (v *Vault) Forget(nodeID string) {
	v.mu.Lock()
	delete(v.entries, nodeID)
	v.mu.Unlock()
}

// Purge evicts entries whose node id is no longer live, including the stale
// password.
func (v *Vault) Purge(live map[string]struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.entries {
		if _, ok := live[id]; !ok {
			delete(v.entries, id)
		}
	}
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

func seal(plaintext, password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	data := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	env := envelope{
		Salt: base64.StdEncoding.EncodeToString(salt),
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Data: base64.StdEncoding.EncodeToString(data),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(raw), nil
}

func open(enc, password string) (string, error) {
	if !IsEncrypted(enc) {
		return "", errors.New("not an envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(enc, EnvelopePrefix))
	if err != nil {
		return "", err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("bad nonce size")
	}
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
