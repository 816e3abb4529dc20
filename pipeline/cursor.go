package pipeline

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// The cursor protocol is "<offset>:<seed>". The seed token is minted on
// the first page and carried verbatim across a session's pages so every
// randomized choice (random recall ordering, snake-merge start) replays
// identically while the client paginates.

// ParseCursor decodes a cursor. An absent, "0" or malformed cursor starts
// a fresh session: offset zero and a newly minted seed token.
func ParseCursor(cursor string) (offset int, seed string) {
	seed = newSeedToken()
	if cursor == "" || cursor == "0" {
		return 0, seed
	}
	parts := strings.Split(cursor, ":")
	if len(parts) < 2 || parts[1] == "" {
		return 0, seed
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 {
		return 0, seed
	}
	return n, parts[1]
}

// NextCursor advances a session cursor by one page.
func NextCursor(offset, count int, seed string) string {
	return fmt.Sprintf("%d:%s", offset+count, seed)
}

// SeedValue hashes a seed token into the numeric seed the nodes consume.
func SeedValue(seed string) int64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	return int64(h.Sum64())
}

func newSeedToken() string {
	return uuid.NewString()[:8]
}
