package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// shardMarker selects training shards among whatever else lives in the
// input directory (eval shards, manifests, temp files).
const shardMarker = "training"

// ListShardFiles returns the full paths of every training shard in dir,
// sorted by name. The sort pins a canonical order before shuffling, so the
// visit order depends only on the shuffle seed and not on directory
// enumeration order.
func ListShardFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("shards: failed to read input directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.Contains(entry.Name(), shardMarker) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ShuffleShards permutes files in place using the given seed.
func ShuffleShards(files []string, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(files), func(i, j int) {
		files[i], files[j] = files[j], files[i]
	})
}
