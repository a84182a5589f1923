package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// merkleNode is one node of the settlement audit tree. Only leaves carry data.
type merkleNode struct {
	left  *merkleNode
	right *merkleNode
	hash  string
	data  string
}

// AuditChain keeps a local Merkle tree over every settlement entry the
// gateway has posted, so reconciliation can prove an entry was sent even if
// the remote ledger loses it.
type AuditChain struct {
	mu           sync.Mutex
	leaves       []*merkleNode
	root         *merkleNode
	paymentRoots map[string]string
}

func NewAuditChain() *AuditChain {
	return &AuditChain{paymentRoots: make(map[string]string)}
}

func hashData(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Append records one settlement posting and returns the leaf hash.
func (c *AuditChain) Append(paymentID, detail string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := fmt.Sprintf("[%s] %s | %s",
		time.Now().UTC().Format(time.RFC3339), paymentID, detail)
	node := &merkleNode{hash: hashData(entry), data: entry}

	c.leaves = append(c.leaves, node)
	c.recalculateRoot()
	c.paymentRoots[paymentID] = c.root.hash

	return node.hash
}

// Root returns the current root hash, or "" before the first entry.
func (c *AuditChain) Root() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil {
		return ""
	}
	return c.root.hash
}

// PaymentRoot returns the root hash as of the payment's last entry.
func (c *AuditChain) PaymentRoot(paymentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paymentRoots[paymentID]
}

// Size returns the number of recorded entries.
func (c *AuditChain) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leaves)
}

// VerifyInclusion reports whether a leaf with the given hash exists.
func (c *AuditChain) VerifyInclusion(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, leaf := range c.leaves {
		if leaf.hash == hash {
			return true
		}
	}
	return false
}

// recalculateRoot rebuilds the tree bottom-up. O(n), fine at gateway volume;
// an incremental build only matters past ~1e6 entries per process lifetime.
func (c *AuditChain) recalculateRoot() {
	nodes := c.leaves
	for len(nodes) > 1 {
		var next []*merkleNode
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, &merkleNode{
				left:  left,
				right: right,
				hash:  hashData(left.hash + right.hash),
			})
		}
		nodes = next
	}
	c.root = nodes[0]
}
