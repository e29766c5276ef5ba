package btree

// sparseThreshold is the "< ~10% full after defrag" bar a foster child
// must clear before mergeFoster folds it back into its left neighbor.
const sparseThreshold = 0.10
