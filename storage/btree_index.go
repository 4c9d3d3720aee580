package storage

import (
	"errors"

	lock "github.com/viney-shih/go-lock"

	"linkchess/configs"
)

// Access modes for findLeaf. Lookups reject a missing key, inserts
// expect one.
const (
	IndexRead = iota
	IndexUpdate
)

var (
	ErrIteratorExhausted = errors.New("the iterator has reached the last leaf, no more item")
	ErrShouldBeLeaf      = errors.New("current node should be the leaf node")
	ErrKeyNotFound       = errors.New("the key is not found in B-tree")
	ErrDuplicateKey      = errors.New("the key is already present in B-tree")
	ErrNodeIsNotFound    = errors.New("a child node is not found")
)

// Key orders archived games by creation time. The low 16 bits carry the
// log sequence so two games created in the same millisecond still get
// distinct keys.
type Key uint64

func ArchiveKey(createdAtMs int64, seq uint64) Key {
	return Key(uint64(createdAtMs)<<16 | (seq & 0xffff))
}

type Node struct {
	size   uint32
	isLeaf bool
	data   []*ArchivedGame
	keys   []Key
	maxi   Key
	next   *Node
	parent *Node

	pointers []*Node

	from *BTree
}

func (c *Node) Iterator(key Key) (*Iterator, error) {
	it := &Iterator{key: key, offset: 0, node: c}
	if !c.isLeaf {
		return it, ErrShouldBeLeaf
	}
	for i := uint32(0); i < c.size; i++ {
		if c.keys[i] == key {
			it.offset = i
			return it, nil
		}
	}
	return it, ErrKeyNotFound
}

// BTree is an order-16 B+ tree over the archive log. One tree-level
// latch guards every operation; write traffic is a single append per
// finished game, so lock coupling inside the tree buys nothing.
type BTree struct {
	order     uint32
	root      *Node
	count     int
	indexName string
	rootLatch lock.RWMutex
}

func NewBTree(indexName string) *BTree {
	tree := &BTree{}
	tree.order = configs.BTreeOrder
	tree.root = tree.NewNode(true)
	tree.rootLatch = lock.NewCASMutex()
	tree.indexName = indexName
	return tree
}

func (t *BTree) NewNode(asLeaf bool) *Node {
	res := &Node{from: t, isLeaf: asLeaf, size: 0, next: nil, parent: nil}
	res.keys = make([]Key, t.order)
	if asLeaf {
		res.data = make([]*ArchivedGame, t.order)
		res.pointers = nil
	} else {
		res.pointers = make([]*Node, t.order) // one more slot than keys for >
		res.data = nil
	}
	return res
}

func (t *BTree) findLeaf(key Key, accessType int) (*Iterator, error) {
	c := t.root
	var i uint32
	for !c.isLeaf {
		for i = 0; i < c.size && c.keys[i] < key; i++ {
		}
		child := c.pointers[i]
		if child == nil {
			return nil, ErrNodeIsNotFound
		}
		configs.Assert(child.parent == c, "parent pointer is not updated on time")
		c = child
	}
	it, err := c.Iterator(key)
	if err == ErrKeyNotFound && accessType == IndexUpdate {
		return it, nil
	}
	if err != nil {
		return nil, err
	}
	if accessType == IndexUpdate {
		return it, ErrDuplicateKey
	}
	return it, nil
}

func (t *BTree) IndexRead(key Key) (*ArchivedGame, error) {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	it, err := t.findLeaf(key, IndexRead)
	if err != nil {
		return nil, err
	}
	return it.Value(), nil
}

func (t *BTree) IndexInsert(key Key, value *ArchivedGame) error {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	it, err := t.findLeaf(key, IndexUpdate)
	if err != nil {
		return err
	}
	t.insertIntoLeaf(it, key, value)
	t.count++
	return nil
}

// Size reports how many games the index holds.
func (t *BTree) Size() int {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.count
}

// Ascend walks every entry in key order until fn returns false.
func (t *BTree) Ascend(fn func(key Key, value *ArchivedGame) bool) {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	c := t.root
	for !c.isLeaf {
		c = c.pointers[0]
	}
	for ; c != nil; c = c.next {
		for i := uint32(0); i < c.size; i++ {
			if !fn(c.keys[i], c.data[i]) {
				return
			}
		}
	}
}

func (t *BTree) createNewRoot(left *Node, right *Node) {
	// current root cannot hold all data, grow a level
	newRoot := t.NewNode(false)
	newRoot.keys[0] = left.maxi
	newRoot.pointers[0] = left
	newRoot.pointers[1] = right
	newRoot.maxi = right.maxi
	newRoot.size++
	configs.Assert(newRoot.size < t.order, "too many keys in new root")
	left.parent = newRoot
	right.parent = newRoot
	t.root = newRoot
}

func (c *Node) cutRightFrom(fullNode *Node) {
	configs.Assert(fullNode.size == c.from.order-1, "trying to split a not full node")
	fullNode.size = c.from.order / 2 // ceiling stays in the old node
	if !c.isLeaf {
		copy(c.keys, fullNode.keys[fullNode.size+1:])
		copy(c.pointers, fullNode.pointers[fullNode.size+1:])
		c.size = c.from.order - fullNode.size - 2
		c.maxi = fullNode.maxi
		fullNode.maxi = fullNode.pointers[fullNode.size].maxi
		for i := uint32(0); i <= c.size; i++ {
			c.pointers[i].parent = c
		}
	} else {
		copy(c.keys, fullNode.keys[fullNode.size:])
		copy(c.data, fullNode.data[fullNode.size:])
		c.size = c.from.order - fullNode.size - 1
		c.maxi = fullNode.maxi
		fullNode.maxi = fullNode.keys[fullNode.size-1]
	}
}

func (c *Node) merge(insertPoint uint32, key Key, value interface{}) {
	if !c.isLeaf {
		cur := value.(*Node)
		cur.parent = c
		for i := c.size; i > insertPoint; i-- {
			c.keys[i] = c.keys[i-1]
			c.pointers[i+1] = c.pointers[i]
		}
		c.keys[insertPoint] = key
		c.pointers[insertPoint+1] = cur
		if insertPoint == c.size {
			c.maxi = cur.maxi
		}
		c.size++
	} else {
		for i := c.size; i > insertPoint; i-- {
			c.keys[i] = c.keys[i-1]
			c.data[i] = c.data[i-1]
		}
		c.keys[insertPoint] = key
		c.data[insertPoint] = value.(*ArchivedGame)
		if insertPoint == c.size {
			c.maxi = key
		}
		c.size++
	}
}

func (t *BTree) insertChild(cur *Node, child *Node, key Key) {
	insertPoint := uint32(0)
	for ; insertPoint < cur.size && cur.keys[insertPoint] < key; insertPoint++ {
	}
	child.parent = cur
	if cur.size < t.order-1 { // no structural change needed
		cur.merge(insertPoint, key, child)
		configs.Assert(cur.size < t.order, "too many keys in internal node")
		return
	}
	tempNode := t.NewNode(false)
	tempNode.cutRightFrom(cur)
	if insertPoint <= cur.size {
		cur.merge(insertPoint, key, child)
	} else {
		insertPoint -= cur.size + 1
		tempNode.merge(insertPoint, key, child)
	}
	if cur.parent != nil {
		t.insertChild(cur.parent, tempNode, cur.maxi)
	} else {
		t.createNewRoot(cur, tempNode)
	}
}

func (t *BTree) insertIntoLeaf(it *Iterator, key Key, value *ArchivedGame) {
	leaf := it.node
	insertPoint := uint32(0)
	for ; insertPoint < leaf.size && leaf.keys[insertPoint] < key; insertPoint++ {
	}
	if leaf.size < t.order-1 {
		leaf.merge(insertPoint, key, value)
		configs.Assert(leaf.size < t.order, "too many keys in leaf")
		return
	}
	newLeaf := t.NewNode(true)
	configs.Assert(leaf.size == t.order-1, "trying to split a not full leaf")
	newLeaf.cutRightFrom(leaf)
	if insertPoint <= leaf.size {
		leaf.merge(insertPoint, key, value)
	} else {
		insertPoint -= leaf.size
		newLeaf.merge(insertPoint, key, value)
	}
	newLeaf.next = leaf.next
	leaf.next = newLeaf
	if leaf.parent == nil {
		t.createNewRoot(leaf, newLeaf)
	} else {
		t.insertChild(leaf.parent, newLeaf, leaf.maxi)
	}
}

type Iterator struct {
	node   *Node
	offset uint32
	key    Key
}

// Next does not ensure consistency across concurrent inserts; callers
// hold the tree latch.
func (it *Iterator) Next() error {
	it.offset++
	if it.offset >= it.node.size {
		it.node = it.node.next
		it.offset = 0
	}
	if it.node == nil {
		return ErrIteratorExhausted
	}
	if !it.node.isLeaf {
		return ErrShouldBeLeaf
	}
	return nil
}

func (it *Iterator) Value() *ArchivedGame {
	return it.node.data[it.offset]
}
