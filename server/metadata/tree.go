package metadata

import (
	"sort"
	"strconv"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/pkg/errors"
)

// entry is the value stored in the radix tree for each path.
type entry struct {
	Data    []byte
	Version int64
}

// tree is an immutable versioned path tree. Every applied transaction
// produces a new root, so readers holding an old root see a consistent view
// and snapshots are free.
type tree struct {
	root *iradix.Tree
}

func newTree() *tree {
	return &tree{root: iradix.New()}
}

func (t *tree) get(path string) (*Node, error) {
	v, ok := t.root.Get([]byte(path))
	if !ok {
		return nil, errors.Wrap(ErrNoNode, path)
	}
	e := v.(*entry)
	return &Node{Path: path, Data: copyBytes(e.Data), Version: e.Version}, nil
}

func (t *tree) children(path string) ([]string, error) {
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	seen := make(map[string]struct{})
	t.root.Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		rest := string(k[len(prefix):])
		if rest == "" {
			return false
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = struct{}{}
		return false
	})
	children := make([]string, 0, len(seen))
	for c := range seen {
		children = append(children, c)
	}
	sort.Strings(children)
	return children, nil
}

// epoch returns the controller epoch recorded in the tree, or 0.
func (t *tree) epoch() uint64 {
	v, ok := t.root.Get([]byte(ControllerEpochPath))
	if !ok {
		return 0
	}
	epoch, err := strconv.ParseUint(string(v.(*entry).Data), 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}

// apply validates and applies txn. On success the tree's root is replaced
// and the affected paths are returned. On failure the tree is unchanged.
func (t *tree) apply(txn *Txn) ([]string, error) {
	if txn.Epoch != NoEpoch {
		if current := t.epoch(); txn.Epoch < current {
			return nil, errors.Wrapf(ErrStaleEpoch, "txn epoch %d, store epoch %d", txn.Epoch, current)
		}
	}
	var (
		tx       = t.root.Txn()
		affected []string
	)
	for _, op := range txn.Ops {
		paths, err := applyOp(tx, op)
		if err != nil {
			return nil, &OpError{Op: op, Err: err}
		}
		affected = append(affected, paths...)
	}
	t.root = tx.Commit()
	return affected, nil
}

func applyOp(tx *iradix.Txn, op Op) ([]string, error) {
	key := []byte(op.Path)
	if op.Path == "" {
		return nil, errors.New("empty path")
	}
	existing, exists := tx.Get(key)
	switch op.Type {
	case OpCreate:
		if exists {
			return nil, ErrNodeExists
		}
		tx.Insert(key, &entry{Data: copyBytes(op.Data)})
		return []string{op.Path}, nil
	case OpSet:
		if !exists {
			return nil, ErrNoNode
		}
		e := existing.(*entry)
		if op.Version != AnyVersion && op.Version != e.Version {
			return nil, ErrBadVersion
		}
		tx.Insert(key, &entry{Data: copyBytes(op.Data), Version: e.Version + 1})
		return []string{op.Path}, nil
	case OpPut:
		version := int64(0)
		if exists {
			version = existing.(*entry).Version + 1
		}
		tx.Insert(key, &entry{Data: copyBytes(op.Data), Version: version})
		return []string{op.Path}, nil
	case OpDelete:
		if !exists {
			return nil, ErrNoNode
		}
		if op.Version != AnyVersion && op.Version != existing.(*entry).Version {
			return nil, ErrBadVersion
		}
		tx.Delete(key)
		return []string{op.Path}, nil
	case OpDeleteTree:
		var keys [][]byte
		if exists {
			keys = append(keys, key)
		}
		tx.Root().WalkPrefix([]byte(op.Path+"/"), func(k []byte, _ interface{}) bool {
			keys = append(keys, copyBytes(k))
			return false
		})
		paths := make([]string, 0, len(keys))
		for _, k := range keys {
			tx.Delete(k)
			paths = append(paths, string(k))
		}
		return paths, nil
	case OpCheckAbsent:
		if exists {
			return nil, ErrNodeExists
		}
		return nil, nil
	case OpCheckVersion:
		if !exists {
			return nil, ErrNoNode
		}
		if op.Version != existing.(*entry).Version {
			return nil, ErrBadVersion
		}
		return nil, nil
	default:
		return nil, errors.Errorf("unknown op type %d", op.Type)
	}
}

// walk calls fn for every node in the tree in key order.
func (t *tree) walk(fn func(path string, e *entry)) {
	t.root.Root().Walk(func(k []byte, v interface{}) bool {
		fn(string(k), v.(*entry))
		return false
	})
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
