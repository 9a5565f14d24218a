// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import "github.com/vfsforensics/corefs/internal/errtrace"

// MaxChainDepth bounds a differencing chain (VHD/VHDX/QCOW parent
// links): a chain deeper than this is almost certainly a cycle caused
// by a corrupt or adversarial parent-locator field, per spec.md §4.5.
const MaxChainDepth = 16

// ValidateChain walks a layer's Parent() links (the image stack, C5)
// checking for cycles and excessive depth, exactly the way the
// teacher's fs.go resolve() walks its own mountpoint chain with a
// seen-set and bails out rather than looping forever. Call once after
// assembling a differencing layer and before exposing it for reads.
func ValidateChain(leaf Layer) error {
	seen := make(map[Layer]bool)
	depth := 0
	for l := leaf; l != nil; l = l.Parent() {
		if seen[l] {
			return errtrace.New(errtrace.InvalidParentChain, "differencing chain contains a cycle")
		}
		seen[l] = true
		depth++
		if depth > MaxChainDepth {
			return errtrace.New(errtrace.InvalidParentChain, "differencing chain exceeds maximum depth")
		}
	}
	return nil
}
