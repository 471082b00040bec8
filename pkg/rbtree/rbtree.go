package rbtree

import (
	"github.com/cuemby/caravan/pkg/types"
)

// MaxKey is the largest storable key. One bit of the key word holds the
// node color, so keys are effectively 63 bits wide.
const MaxKey = uint64(1)<<63 - 1

// Link is an intrusive red-black tree node. Memory is owned by the caller;
// embed a Link in the structure being indexed. The key and node color are
// packed into one word (color in bit zero).
//
// Owner resolves a Link found by search or iteration back to its
// containing structure; set it once when the container is initialized.
// The tree itself never touches it.
type Link struct {
	keyAndColor uint64
	left        *Link
	right       *Link
	parent      *Link

	Owner any
}

// Key returns the key this node was inserted under.
func (l *Link) Key() uint64 {
	return l.keyAndColor >> 1
}

const redBit = 1

func isRed(n *Link) bool {
	return n != nil && n.keyAndColor&redBit != 0
}

func (l *Link) setRed()   { l.keyAndColor |= redBit }
func (l *Link) setBlack() { l.keyAndColor &^= redBit }

func (l *Link) setColorOf(src *Link) {
	if isRed(src) {
		l.setRed()
	} else {
		l.setBlack()
	}
}

// CompareFunc breaks ties between nodes holding the same key. It receives a
// node already in the tree and compares it against the candidate the caller
// is inserting or searching for: positive when the node orders after the
// candidate, negative when before, zero when logically equal.
type CompareFunc func(node *Link) int

// Tree is a red-black tree root. The zero value is an empty tree.
type Tree struct {
	root *Link
}

// Init resets the tree to empty. Only call on roots whose nodes have been
// extracted or abandoned.
func (t *Tree) Init() {
	t.root = nil
}

// IsEmpty reports whether the tree has no nodes.
func (t *Tree) IsEmpty() bool {
	return t.root == nil
}

// IsMember reports whether node is currently linked into this tree.
func (t *Tree) IsMember(node *Link) bool {
	if node == nil || t.root == nil {
		return false
	}
	for node.parent != nil {
		node = node.parent
	}
	return node == t.root
}

// BlackHeight counts the black nodes on the leftmost root-to-leaf path.
// Debug facility; every other path has the same count when the tree is
// well formed.
func (t *Tree) BlackHeight() int {
	h := 0
	for n := t.root; n != nil; n = n.left {
		if !isRed(n) {
			h++
		}
	}
	return h
}

// InsertUnique links node into the tree under key. Returns ErrDuplicate
// without modifying the tree if the key is already present.
func (t *Tree) InsertUnique(key uint64, node *Link) error {
	return t.insert(key, node, nil)
}

// Insert links node into the tree under key, using cmp to order nodes that
// share the key. Inserting a node that compares equal to an existing one
// returns ErrDuplicate without modifying the tree.
func (t *Tree) Insert(key uint64, node *Link, cmp CompareFunc) error {
	return t.insert(key, node, cmp)
}

func (t *Tree) insert(key uint64, node *Link, cmp CompareFunc) error {
	if node == nil || key > MaxKey {
		return types.ErrInvalidArgument
	}

	var parent *Link
	goLeft := false
	cur := t.root
	for cur != nil {
		parent = cur
		c := compareKeys(cur.Key(), key)
		if c == 0 && cmp != nil {
			c = cmp(cur)
		}
		if c == 0 {
			return types.ErrDuplicate
		}
		goLeft = c > 0
		if goLeft {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}

	node.keyAndColor = key<<1 | redBit
	node.left = nil
	node.right = nil
	node.parent = parent
	if parent == nil {
		t.root = node
	} else if goLeft {
		parent.left = node
	} else {
		parent.right = node
	}

	t.insertFixup(node)
	return nil
}

func compareKeys(nodeKey, refKey uint64) int {
	switch {
	case nodeKey > refKey:
		return 1
	case nodeKey < refKey:
		return -1
	default:
		return 0
	}
}

func (t *Tree) insertFixup(z *Link) {
	for isRed(z.parent) {
		g := z.parent.parent
		if z.parent == g.left {
			u := g.right
			if isRed(u) {
				z.parent.setBlack()
				u.setBlack()
				g.setRed()
				z = g
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.setBlack()
				g.setRed()
				t.rotateRight(g)
			}
		} else {
			u := g.left
			if isRed(u) {
				z.parent.setBlack()
				u.setBlack()
				g.setRed()
				z = g
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.setBlack()
				g.setRed()
				t.rotateLeft(g)
			}
		}
	}
	t.root.setBlack()
}

func (t *Tree) rotateLeft(x *Link) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *Tree) rotateRight(x *Link) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// SearchUnique finds the node stored under key, or nil.
func (t *Tree) SearchUnique(key uint64) *Link {
	return t.Search(key, nil)
}

// Search finds a node matching key and, among nodes sharing the key, the
// one for which cmp returns zero. Returns nil when no node matches.
func (t *Tree) Search(key uint64, cmp CompareFunc) *Link {
	cur := t.root
	for cur != nil {
		c := compareKeys(cur.Key(), key)
		if c == 0 && cmp != nil {
			c = cmp(cur)
		}
		if c == 0 {
			return cur
		}
		if c > 0 {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return nil
}

// Extract unlinks node from the tree, rebalancing as needed. Returns
// ErrNotFound if the node is not a member.
func (t *Tree) Extract(node *Link) error {
	if !t.IsMember(node) {
		return types.ErrNotFound
	}
	t.deleteNode(node)
	node.left = nil
	node.right = nil
	node.parent = nil
	node.setBlack()
	return nil
}

func (t *Tree) transplant(u, v *Link) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func subtreeMin(n *Link) *Link {
	for n.left != nil {
		n = n.left
	}
	return n
}

func subtreeMax(n *Link) *Link {
	for n.right != nil {
		n = n.right
	}
	return n
}

func (t *Tree) deleteNode(z *Link) {
	var x, xParent *Link
	y := z
	yWasRed := isRed(y)

	switch {
	case z.left == nil:
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	case z.right == nil:
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	default:
		y = subtreeMin(z.right)
		yWasRed = isRed(y)
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.setColorOf(z)
	}

	if !yWasRed {
		t.deleteFixup(x, xParent)
	}
}

// deleteFixup restores the red-black invariants after removing a black
// node. x may be nil (a phantom leaf), so its parent is tracked
// explicitly.
func (t *Tree) deleteFixup(x, parent *Link) {
	for x != t.root && !isRed(x) {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.setBlack()
				parent.setRed()
				t.rotateLeft(parent)
				w = parent.right
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.setRed()
				x = parent
				parent = x.parent
			} else {
				if !isRed(w.right) {
					w.left.setBlack()
					w.setRed()
					t.rotateRight(w)
					w = parent.right
				}
				w.setColorOf(parent)
				parent.setBlack()
				w.right.setBlack()
				t.rotateLeft(parent)
				x = t.root
				parent = nil
			}
		} else {
			w := parent.left
			if isRed(w) {
				w.setBlack()
				parent.setRed()
				t.rotateRight(parent)
				w = parent.left
			}
			if !isRed(w.right) && !isRed(w.left) {
				w.setRed()
				x = parent
				parent = x.parent
			} else {
				if !isRed(w.left) {
					w.right.setBlack()
					w.setRed()
					t.rotateLeft(w)
					w = parent.left
				}
				w.setColorOf(parent)
				parent.setBlack()
				w.left.setBlack()
				t.rotateRight(parent)
				x = t.root
				parent = nil
			}
		}
	}
	if x != nil {
		x.setBlack()
	}
}
