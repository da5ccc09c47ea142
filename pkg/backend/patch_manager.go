package backend

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// PatchManager wraps Google's diff-match-patch algorithm, used by doc to
// produce periodic compacted checkpoints of a text document's history
// instead of retaining every intermediate snapshot verbatim.
type PatchManager struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewPatchManager creates a new patch manager.
func NewPatchManager() *PatchManager {
	return &PatchManager{
		dmp: diffmatchpatch.New(),
	}
}

// PatchResult represents the result of computing a patch between two texts.
type PatchResult struct {
	Patch      string
	PatchSize  int
	OldSize    int
	NewSize    int
	SavedBytes int
}

// ComputePatch computes a patch from oldText to newText.
func (pm *PatchManager) ComputePatch(oldText, newText string) *PatchResult {
	diffs := pm.dmp.DiffMain(oldText, newText, false)
	patch := pm.dmp.PatchMake(oldText, diffs)
	patchText := pm.dmp.PatchToText(patch)

	oldSize := len(oldText)
	newSize := len(newText)
	patchSize := len(patchText)

	return &PatchResult{
		Patch:      patchText,
		PatchSize:  patchSize,
		OldSize:    oldSize,
		NewSize:    newSize,
		SavedBytes: newSize - patchSize,
	}
}

// PatchStats summarizes a patch's shape, used for diagnostic logging when a
// checkpoint is taken.
type PatchStats struct {
	TotalDiffs int
}

// GetPatchStats analyzes a patch and returns statistics.
func (pm *PatchManager) GetPatchStats(patchText string) *PatchStats {
	patches, _ := pm.dmp.PatchFromText(patchText)
	return &PatchStats{TotalDiffs: len(patches)}
}
