package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"
)

// ContentHash is the hex SHA-256 of s.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SourceItemID is stable for the pair (source, upstream id).
func SourceItemID(sourceID, externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sourceID+"|"+externalID)).String()
}

// ChunkID is UUIDv5 over "{item}-{index}" so re-chunking the same item reuses ids.
func ChunkID(sourceItemID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s-%d", sourceItemID, index))).String()
}

func EntityID(tenantID, sourceKind, sourceIDInSource string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("entity|"+tenantID+"|"+sourceKind+"|"+sourceIDInSource)).String()
}

func RelationshipID(tenantID, fromEntity, toEntity string, rel RelType) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("rel|"+tenantID+"|"+fromEntity+"|"+toEntity+"|"+string(rel))).String()
}

type hasher struct {
	h hash.Hash
}

func newHasher() *hasher {
	return &hasher{h: sha256.New()}
}

func (h *hasher) add(parts ...string) {
	for _, p := range parts {
		h.h.Write([]byte(p))
		h.h.Write([]byte{0})
	}
}

func (h *hasher) sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// CanonicalID seeds a canonical entity from the first entity bound to it.
func CanonicalID(tenantID, entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("canonical|"+tenantID+"|"+entityID)).String()
}
