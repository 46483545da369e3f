package auditledger

import (
	"fmt"
	"testing"
	"testing/quick"
)

func leavesOf(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = Sum([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestSelfTest(t *testing.T) {
	if err := SelfTest(); err != nil {
		t.Fatal(err)
	}
}

func TestBuildPath_singleLeafIsRoot(t *testing.T) {
	leaves := leavesOf(1)
	root, path := buildPath(leaves, 0)
	if root != leaves[0] {
		t.Errorf("root: got %q, want the leaf itself", root)
	}
	if len(path) != 0 {
		t.Errorf("path: got %d steps, want 0", len(path))
	}
}

func TestBuildPath_oddTrailingNodeAddsNoStep(t *testing.T) {
	leaves := leavesOf(3)
	_, path := buildPath(leaves, 2)
	if len(path) != 1 {
		t.Fatalf("path: got %d steps, want 1", len(path))
	}
	if path[0].Position != Left || path[0].Hash != hashPair(leaves[0], leaves[1]) {
		t.Errorf("unexpected step %+v", path[0])
	}
}

func TestBuildPath_positions(t *testing.T) {
	leaves := leavesOf(4)
	_, path := buildPath(leaves, 1)
	want := []ProofStep{
		{Position: Left, Hash: leaves[0]},
		{Position: Right, Hash: hashPair(leaves[2], leaves[3])},
	}
	if len(path) != len(want) {
		t.Fatalf("path: got %d steps, want %d", len(path), len(want))
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("step %d: got %+v, want %+v", i, path[i], want[i])
		}
	}
}

func TestComputeRoot_empty(t *testing.T) {
	if got := ComputeRoot(nil); got != "" {
		t.Errorf("ComputeRoot(nil): got %q, want empty", got)
	}
}

func TestVerifyProof_rejectsWrongRoot(t *testing.T) {
	leaves := leavesOf(5)
	_, path := buildPath(leaves, 3)
	if VerifyProof(leaves[3], path, Sum([]byte("other"))) {
		t.Error("proof verified against an unrelated root")
	}
	if VerifyProof(leaves[3], path, "") {
		t.Error("proof verified against an empty root")
	}
}

func TestMerkleProofProperty(t *testing.T) {
	f := func(n uint8) bool {
		leaves := leavesOf(int(n%64) + 1)
		want := ComputeRoot(leaves)
		for i, leaf := range leaves {
			root, path := buildPath(leaves, i)
			if root != want || !VerifyProof(leaf, path, root) {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}
