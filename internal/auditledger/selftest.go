package auditledger

import "fmt"

// knownVector is a three-leaf tree over SHA-256("a"), SHA-256("b") and
// SHA-256("c"). The third leaf is promoted at the first level.
var knownVector = struct {
	leaves []string
	root   string
}{
	leaves: []string{
		"ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb",
		"3e23e8160039594a33894f6564e1b1348bbd7a0088d42c4acb73eeaed59c009d",
		"2e7d2c03a9507ae265ecf5b5356885a53393a2029d241394997265a1a25aefc6",
	},
	root: "d71dc32fa2cd95be60b32dbb3e63009fa8064407ee19f457c92a09a5ff841a8a",
}

// SelfTest checks the hashing and proof code against knownVector.
func SelfTest() error {
	for i, in := range []string{"a", "b", "c"} {
		if got := Sum([]byte(in)); got != knownVector.leaves[i] {
			return fmt.Errorf("merkle self-test: leaf %d hash %s, want %s", i, got, knownVector.leaves[i])
		}
	}
	for i, leaf := range knownVector.leaves {
		root, path := buildPath(knownVector.leaves, i)
		if root != knownVector.root {
			return fmt.Errorf("merkle self-test: root %s, want %s", root, knownVector.root)
		}
		if !VerifyProof(leaf, path, knownVector.root) {
			return fmt.Errorf("merkle self-test: proof for leaf %d does not verify", i)
		}
	}
	return nil
}

// checkState verifies that a persisted state is internally consistent.
func checkState(s *MerkleState) error {
	if s.TreeSize != len(s.Leaves) {
		return fmt.Errorf("merkle state: tree size %d but %d leaves", s.TreeSize, len(s.Leaves))
	}
	if root := ComputeRoot(s.Leaves); root != s.RootHash {
		return fmt.Errorf("merkle state: stored root %q does not match leaves (%q)", s.RootHash, root)
	}
	return nil
}
