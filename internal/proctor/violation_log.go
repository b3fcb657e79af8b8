package proctor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/crypto/blake2b"
)

// ErrBrokenChain is returned by VerifyChain when an entry was edited,
// removed or reordered.
var ErrBrokenChain = errors.New("violation digest chain broken")

// ViolationLog is the ordered, append-only violation record of one session.
// Entries are never edited or removed once appended.
type ViolationLog struct {
	mu      sync.RWMutex
	entries []model.Violation
	head    string
}

// NewViolationLog returns an empty log.
func NewViolationLog() *ViolationLog {
	return &ViolationLog{}
}

// Append assigns the next sequence number and digest to v and stores it.
// The stored copy is returned.
func (l *ViolationLog) Append(v model.Violation) model.Violation {
	l.mu.Lock()
	defer l.mu.Unlock()

	v.Seq = len(l.entries) + 1
	v.Digest = ChainDigest(l.head, v)
	l.entries = append(l.entries, v)
	l.head = v.Digest
	return v
}

// Len returns the number of entries.
func (l *ViolationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the log in append order.
func (l *ViolationLog) Entries() []model.Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Violation, len(l.entries))
	copy(out, l.entries)
	return out
}

// Head returns the digest of the last entry, or "" for an empty log.
func (l *ViolationLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// ChainDigest computes blake2b-256 over the previous digest and the
// entry's immutable fields. Wall time is hashed at microsecond precision
// so digests survive a database round trip.
func ChainDigest(prev string, v model.Violation) string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte

	h.Write([]byte(prev))
	binary.BigEndian.PutUint64(buf[:], uint64(v.Seq))
	h.Write(buf[:])
	h.Write([]byte(v.SessionID.String()))
	h.Write([]byte(v.Kind))
	h.Write([]byte{0})
	h.Write([]byte(v.Description))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], uint64(v.RecordedAt.UTC().UnixMicro()))
	h.Write(buf[:])

	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every digest in entries.
func VerifyChain(entries []model.Violation) error {
	prev := ""
	for i, v := range entries {
		if v.Seq != i+1 {
			return fmt.Errorf("%w: entry %d has seq %d", ErrBrokenChain, i+1, v.Seq)
		}
		if want := ChainDigest(prev, v); want != v.Digest {
			return fmt.Errorf("%w: digest mismatch at seq %d", ErrBrokenChain, v.Seq)
		}
		prev = v.Digest
	}
	return nil
}
