package trie

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"nftmarket/storage"
)

type leaf struct {
	key   []byte
	value []byte
}

// Root commits every record stored under the given prefixes into a Merkle
// Patricia trie and returns its root. Leaves are keyed by the Keccak-256 hash
// of the database key, so the root depends only on the record set and not on
// the backend or iteration order. An empty record set yields the empty root.
func Root(db storage.Database, prefixes ...[]byte) (common.Hash, error) {
	var leaves []leaf
	for _, prefix := range prefixes {
		err := db.Iterate(prefix, func(key, value []byte) error {
			if len(value) == 0 {
				return nil
			}
			leaves = append(leaves, leaf{key: crypto.Keccak256(key), value: value})
			return nil
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("trie: iterate %q: %w", prefix, err)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return bytes.Compare(leaves[i].key, leaves[j].key) < 0 })

	stack := gethtrie.NewStackTrie(nil)
	for i, entry := range leaves {
		if i > 0 && bytes.Equal(leaves[i-1].key, entry.key) {
			continue
		}
		if err := stack.Update(entry.key, entry.value); err != nil {
			return common.Hash{}, fmt.Errorf("trie: insert leaf: %w", err)
		}
	}
	return stack.Hash(), nil
}
