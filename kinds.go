package fswatch

import (
	"io/fs"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

const itemCacheSize = 16384

type item struct {
	kind     Flags
	uid, gid uint32
	owned    bool
}

// itemCache remembers the kind (and owner) of paths that were seen, so a
// removal can still say if it was a file or directory, and a chown can be told
// apart from a chmod.
type itemCache struct {
	c *lru.Cache[string, item]
}

func newItemCache(size int) *itemCache {
	if size <= 0 {
		size = itemCacheSize
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		panic(err) // Only fails for size <= 0.
	}
	return &itemCache{c: c}
}

func kindOf(m fs.FileMode) Flags {
	switch {
	case m&fs.ModeSymlink != 0:
		return ItemIsSymlink
	case m.IsDir():
		return ItemIsDir
	default:
		return ItemIsFile
	}
}

func itemOf(fi fs.FileInfo) item {
	it := item{kind: kindOf(fi.Mode())}
	it.uid, it.gid, it.owned = ownerOf(fi)
	return it
}

// prime adds an entry found while walking a directory tree.
func (c *itemCache) prime(path string, d fs.DirEntry) {
	fi, err := d.Info()
	if err != nil {
		return
	}
	c.c.Add(path, itemOf(fi))
}

// stat looks at path and returns its kind, and whether its owner changed since
// the last time it was seen. If path no longer exists the cached kind is used.
func (c *itemCache) stat(path string) (Flags, bool) {
	prev, hadPrev := c.c.Get(path)

	fi, err := os.Lstat(path)
	if err != nil {
		return prev.kind, false
	}
	cur := itemOf(fi)
	c.c.Add(path, cur)

	changed := hadPrev && prev.owned && cur.owned &&
		(prev.uid != cur.uid || prev.gid != cur.gid)
	return cur.kind, changed
}

// forget removes path and returns the kind it had, or 0 if it wasn't known.
func (c *itemCache) forget(path string) Flags {
	it, ok := c.c.Peek(path)
	if !ok {
		return 0
	}
	c.c.Remove(path)
	return it.kind
}
