package melda

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/casperlundberg/libmelda/internal/util"
)

const (
	deltaSuffix = ".delta"
	packSuffix  = ".pack"
)

// computeCID builds a CIDv1-raw from the multihash SHA2_256 digest of
// data. DataStorage does not persist the CID itself — the Adapter key
// format is the plain hex digest — but exposes it through
// ObjectCID for callers that want a self-describing identifier.
func computeCID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("melda: compute cid: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// cidDigestHex extracts the raw SHA2_256 digest (base16) out of a CIDv1's
// multihash — the plain, domain-free digest a CID always carries. Exposed
// so a caller that wants a self-describing content identifier for a blob
// (say, to hand to an IPFS-aware neighbor) gets one that is independently
// verifiable without knowing this engine's domain-separation scheme.
func cidDigestHex(c cid.Cid) (string, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("melda: decode multihash: %w", err)
	}
	return hex.EncodeToString(decoded.Digest), nil
}

// ObjectCID returns the self-describing CIDv1 for an already-fetched pack
// or delta block's raw bytes, plus the bare SHA2-256 digest the CID
// carries, hex-encoded. The `<hash>.pack`/`<hash>.delta` keys stay the
// primary addressing scheme; this is additive, for handing blobs to
// CID-aware neighbors.
func ObjectCID(data []byte) (cid.Cid, string, error) {
	c, err := computeCID(data)
	if err != nil {
		return cid.Undef, "", err
	}
	digest, err := cidDigestHex(c)
	if err != nil {
		return cid.Undef, "", err
	}
	return c, digest, nil
}

// DataStorage mediates between MeldaCore and the Adapter:
// it stages pending revision contents into an in-memory pack, and on
// commit emits one pack blob and one delta block, each under its own
// content hash, through the Adapter. A small LRU read-through cache sits
// in front of Adapter.ReadObject for packs and delta blocks already
// seen.
type DataStorage struct {
	adapter Adapter
	cache   *lru.Cache[string, []byte]
	log     util.Logger

	staged Pack
}

// NewDataStorage wires a DataStorage over adapter with a read-through
// cache holding up to cacheSize blobs. A nil logger falls back to a
// default slog-backed one.
func NewDataStorage(adapter Adapter, cacheSize int, logger util.Logger) (*DataStorage, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("melda: new cache: %w", err)
	}
	if logger == nil {
		logger = util.NewDefaultLogger(slog.LevelInfo)
	}
	return &DataStorage{adapter: adapter, cache: c, log: logger, staged: Pack{}}, nil
}

// Stage records content under its own content hash in the in-memory pack
// being built for the next commit, and returns that hash. Staging the
// same content hash twice (the common case: concurrently staging a value
// nothing actually changed) is a no-op.
func (s *DataStorage) Stage(content Value) string {
	hash := HashContent(content)
	if _, ok := s.staged[hash]; !ok {
		s.staged[hash] = content
	}
	return hash
}

// HasStaged reports whether hash is present in the uncommitted pack, so
// callers staging a tombstone's synthetic content (if any) can avoid
// clobbering a real object with the same digest — digests never collide
// across domains (hash.go) so this only ever matches honest re-staging.
func (s *DataStorage) HasStaged(hash string) bool {
	_, ok := s.staged[hash]
	return ok
}

// Pending reports whether anything has been staged since the last
// commit.
func (s *DataStorage) Pending() bool { return len(s.staged) > 0 }

// Commit writes the staged pack (if non-empty) and the given delta block
// through the Adapter, each under its own content hash, and clears the
// staging area. Returns the new block's hash. An Adapter error aborts
// the commit with no partial state
// visible: the pack write and the block write are independent content-
// addressed puts, so a failure after the pack write simply leaves an
// orphan pack blob (harmless: nothing references it) rather than any
// half-applied change.
func (s *DataStorage) Commit(ctx context.Context, block *DeltaBlock) (string, error) {
	if len(s.staged) > 0 {
		packHash := s.staged.Hash()
		data := MarshalCanonical(s.staged.ToValue())
		if err := s.adapter.WriteObject(ctx, packHash+packSuffix, data); err != nil {
			return "", newErr(ErrAdapterIo, "DataStorage.Commit", "", fmt.Errorf("write pack: %w", err))
		}
		s.cache.Add(packHash, data)
		s.log.DebugCtx(ctx, "wrote pack", "hash", packHash, "objects", len(s.staged))
		found := false
		for _, k := range block.Packs {
			if k == packHash {
				found = true
				break
			}
		}
		if !found {
			block.Packs = append(block.Packs, packHash)
		}
	}

	blockHash := block.Hash()
	blockData := MarshalCanonical(block.ToValue())
	if err := s.adapter.WriteObject(ctx, blockHash+deltaSuffix, blockData); err != nil {
		return "", newErr(ErrAdapterIo, "DataStorage.Commit", "", fmt.Errorf("write delta block: %w", err))
	}
	s.cache.Add(blockHash, blockData)
	s.log.DebugCtx(ctx, "wrote delta block", "hash", blockHash, "changes", len(block.Changes))

	s.staged = Pack{}
	return blockHash, nil
}

// ReadDeltaBlock fetches and decodes the delta block named by hash,
// through the cache.
func (s *DataStorage) ReadDeltaBlock(ctx context.Context, hash string) (*DeltaBlock, error) {
	data, err := s.readThrough(ctx, hash, deltaSuffix)
	if err != nil {
		return nil, err
	}
	v, err := ParseJSON(data)
	if err != nil {
		return nil, newErr(ErrCorruption, "DataStorage.ReadDeltaBlock", hash, err)
	}
	return DeltaBlockFromValue(v)
}

// ReadContent fetches the content addressed by hash, searching the given
// packs in order until one contains it. This is the read-side counterpart
// of Stage: a committed revision's content lives in whichever pack its
// DeltaBlock listed.
func (s *DataStorage) ReadContent(ctx context.Context, hash string, packs []string) (Value, bool, error) {
	if v, ok := s.staged[hash]; ok {
		return v, true, nil
	}
	for _, packHash := range packs {
		data, err := s.readThrough(ctx, packHash, packSuffix)
		if err != nil {
			return Value{}, false, err
		}
		v, err := ParseJSON(data)
		if err != nil {
			return Value{}, false, newErr(ErrCorruption, "DataStorage.ReadContent", packHash, err)
		}
		pack, err := PackFromValue(v)
		if err != nil {
			return Value{}, false, newErr(ErrCorruption, "DataStorage.ReadContent", packHash, err)
		}
		if content, ok := pack[hash]; ok {
			return content, true, nil
		}
	}
	return Value{}, false, nil
}

// ListDeltaBlocks returns every delta block hash known to the Adapter.
func (s *DataStorage) ListDeltaBlocks(ctx context.Context) ([]string, error) {
	names, err := s.adapter.ListObjects(ctx, deltaSuffix)
	if err != nil {
		return nil, newErr(ErrAdapterIo, "DataStorage.ListDeltaBlocks", "", err)
	}
	hashes := make([]string, len(names))
	for i, n := range names {
		hashes[i] = trimSuffix(n, deltaSuffix)
	}
	return hashes, nil
}

// ReadDeltaBlockBytes fetches a delta block's raw canonical bytes, for
// copying it verbatim into another store during meld.
func (s *DataStorage) ReadDeltaBlockBytes(ctx context.Context, hash string) ([]byte, error) {
	return s.readThrough(ctx, hash, deltaSuffix)
}

// ReadPackBytes fetches a pack blob's raw canonical bytes.
func (s *DataStorage) ReadPackBytes(ctx context.Context, hash string) ([]byte, error) {
	return s.readThrough(ctx, hash, packSuffix)
}

// ImportDeltaBlock writes a delta block fetched from a peer store under
// its claimed hash, rejecting bytes that do not actually hash to it.
func (s *DataStorage) ImportDeltaBlock(ctx context.Context, hash string, data []byte) error {
	if HashDeltaBlock(data) != hash {
		return newErr(ErrCorruption, "DataStorage.ImportDeltaBlock", hash, fmt.Errorf("melda: delta block bytes do not match hash"))
	}
	if err := s.adapter.WriteObject(ctx, hash+deltaSuffix, data); err != nil {
		return newErr(ErrAdapterIo, "DataStorage.ImportDeltaBlock", hash, err)
	}
	s.cache.Add(hash, data)
	return nil
}

// ImportPack writes a pack blob fetched from a peer store under its
// claimed hash, with the same verification as ImportDeltaBlock.
func (s *DataStorage) ImportPack(ctx context.Context, hash string, data []byte) error {
	if HashPack(data) != hash {
		return newErr(ErrCorruption, "DataStorage.ImportPack", hash, fmt.Errorf("melda: pack bytes do not match hash"))
	}
	if err := s.adapter.WriteObject(ctx, hash+packSuffix, data); err != nil {
		return newErr(ErrAdapterIo, "DataStorage.ImportPack", hash, err)
	}
	s.cache.Add(hash, data)
	return nil
}

func (s *DataStorage) readThrough(ctx context.Context, hash, suffix string) ([]byte, error) {
	if data, ok := s.cache.Get(hash); ok {
		return data, nil
	}
	data, ok, err := s.adapter.ReadObject(ctx, hash+suffix)
	if err != nil {
		return nil, newErr(ErrAdapterIo, "DataStorage.readThrough", hash, err)
	}
	if !ok {
		return nil, newErr(ErrCorruption, "DataStorage.readThrough", hash, fmt.Errorf("melda: object not found"))
	}
	// reads verify the blob still hashes to its name before anything
	// decodes it
	want := hash
	var got string
	if suffix == deltaSuffix {
		got = HashDeltaBlock(data)
	} else {
		got = HashPack(data)
	}
	if got != want {
		return nil, newErr(ErrCorruption, "DataStorage.readThrough", hash, fmt.Errorf("melda: blob hash mismatch"))
	}
	s.cache.Add(hash, data)
	return data, nil
}

func trimSuffix(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}
