package auditledger

// buildPath rebuilds the tree over leaves and returns the root together with
// the sibling path for the leaf at index. Pairs (i, i+1) are hashed level by
// level; an odd trailing node is promoted unchanged and contributes no step.
func buildPath(leaves []string, index int) (string, []ProofStep) {
	if len(leaves) == 0 {
		return "", nil
	}
	level := leaves
	path := []ProofStep{}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 >= len(level) {
				next = append(next, level[i])
				continue
			}
			switch index {
			case i:
				path = append(path, ProofStep{Position: Right, Hash: level[i+1]})
			case i + 1:
				path = append(path, ProofStep{Position: Left, Hash: level[i]})
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		index /= 2
		level = next
	}
	return level[0], path
}

// ComputeRoot returns the Merkle root over leaves, or "" for an empty tree.
func ComputeRoot(leaves []string) string {
	root, _ := buildPath(leaves, -1)
	return root
}

// RootFromPath replays path starting at leafHash and returns the resulting root.
func RootFromPath(leafHash string, path []ProofStep) string {
	current := leafHash
	for _, step := range path {
		if step.Position == Left {
			current = hashPair(step.Hash, current)
		} else {
			current = hashPair(current, step.Hash)
		}
	}
	return current
}

// VerifyProof reports whether replaying path from leafHash yields rootHash.
func VerifyProof(leafHash string, path []ProofStep, rootHash string) bool {
	return rootHash != "" && RootFromPath(leafHash, path) == rootHash
}
