/*
Package rbtree provides the ordered index used throughout the agent: an
intrusive red-black tree keyed by unsigned integers.

Nodes are caller-owned Links embedded in the indexed structure; the tree
never allocates. One bit of the key word stores the node color, so keys
are limited to 63 bits (MaxKey).

Duplicate keys are supported through a secondary CompareFunc: Insert with
a comparator orders equal-keyed nodes by comparator sign, and inserting a
node that compares fully equal returns ErrDuplicate without touching the
tree. The storage cache leans on this to keep FIFO wrapper nodes unique
per key while still walking ranges in order.

Iterators (MinGE, MaxLE, Next, Prev) use parent pointers, so iteration
needs no stack and survives rebalancing of unrelated nodes. BlackHeight
exposes the black-node count of the leftmost path for test verification.
*/
package rbtree
