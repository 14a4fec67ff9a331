package chunker

import "testing"

func mustNew(t *testing.T, overlap float64, numStripes, numSubStripesPerStripe int32) *Chunker {
	t.Helper()
	c, err := New(overlap, numStripes, numSubStripesPerStripe)
	if err != nil {
		t.Fatalf("New(%v, %d, %d): %v", overlap, numStripes, numSubStripesPerStripe, err)
	}
	return c
}

func TestNewRejectsInvalidGeometry(t *testing.T) {
	cases := []struct {
		name                                string
		overlap                             float64
		numStripes, numSubStripesPerStripe int32
	}{
		{"zero stripes", 0.01, 0, 3},
		{"zero sub-stripes", 0.01, 85, 0},
		{"negative overlap", -1.0, 85, 3},
		{"overlap too large", 11.0, 85, 3},
		{"overlap exceeds sub-stripe height", 1.0, 85, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.overlap, tc.numStripes, tc.numSubStripesPerStripe); err == nil {
				t.Fatalf("expected an error, got none")
			}
		})
	}
}

func TestLocateRoundTripsThroughBounds(t *testing.T) {
	c := mustNew(t, 0.01, 85, 12)
	lons := []float64{0.0, 10.5, 90.0, 179.99, 270.0, 359.9}
	lats := []float64{-89.9, -45.0, -0.1, 0.0, 33.3, 89.9}

	for _, lat := range lats {
		for _, lon := range lons {
			loc := c.Locate(lon, lat)
			bounds := c.GetSubChunkBounds(loc.ChunkId, loc.SubChunkId)
			if lat < bounds.LatMin-1e-9 || lat > bounds.LatMax+1e-9 {
				t.Errorf("Locate(%v, %v) -> chunk %d sub %d has lat bounds [%v, %v] excluding the point",
					lon, lat, loc.ChunkId, loc.SubChunkId, bounds.LatMin, bounds.LatMax)
			}
			chunkBounds := c.GetChunkBounds(loc.ChunkId)
			if lat < chunkBounds.LatMin-1e-9 || lat > chunkBounds.LatMax+1e-9 {
				t.Errorf("Locate(%v, %v) -> chunk %d has lat bounds [%v, %v] excluding the point",
					lon, lat, loc.ChunkId, chunkBounds.LatMin, chunkBounds.LatMax)
			}
		}
	}
}

func TestLocateNearPoleCollapsesToOneChunk(t *testing.T) {
	c := mustNew(t, 0.01, 85, 12)
	loc := c.Locate(37.0, 89.999)
	stripe := c.getStripe(loc.ChunkId)
	if c.numChunksPerStripe[stripe] != 1 {
		t.Fatalf("expected exactly one chunk in the polar stripe, got %d", c.numChunksPerStripe[stripe])
	}
}

func TestZeroOverlapYieldsExactlyOneLocation(t *testing.T) {
	c := mustNew(t, 0.0, 85, 12)
	locs := c.LocateWithOverlap(12.3, 45.6, -1)
	if len(locs) != 1 {
		t.Fatalf("zero overlap: expected exactly one location, got %d", len(locs))
	}
	if locs[0].Overlap {
		t.Fatalf("zero overlap: location must not be marked as an overlap copy")
	}
}

func TestLocateWithOverlapIncludesNonOverlapLocation(t *testing.T) {
	c := mustNew(t, 0.05, 85, 12)
	plain := c.Locate(12.3, 45.6)
	locs := c.LocateWithOverlap(12.3, 45.6, -1)
	found := false
	for _, l := range locs {
		if l.ChunkId == plain.ChunkId && l.SubChunkId == plain.SubChunkId && !l.Overlap {
			found = true
		}
	}
	if !found {
		t.Fatalf("LocateWithOverlap did not include the non-overlap location %+v among %+v", plain, locs)
	}
}

func TestLocateWithOverlapFiltersByChunkId(t *testing.T) {
	c := mustNew(t, 0.05, 85, 12)
	all := c.LocateWithOverlap(12.3, 45.6, -1)
	if len(all) < 2 {
		t.Skip("this point has no overlap neighbors at this geometry, nothing to filter")
	}
	target := all[len(all)-1].ChunkId
	filtered := c.LocateWithOverlap(12.3, 45.6, target)
	for _, l := range filtered {
		if l.ChunkId != target {
			t.Fatalf("filtered result contains chunk %d, want only %d", l.ChunkId, target)
		}
	}
}

func TestGetSubChunksCoversChunk(t *testing.T) {
	c := mustNew(t, 0.01, 85, 12)
	chunkId := c.Locate(0.0, 0.0).ChunkId
	subChunks := c.GetSubChunks(chunkId)
	if len(subChunks) == 0 {
		t.Fatalf("expected at least one sub-chunk for chunk %d", chunkId)
	}
	seen := make(map[int32]bool)
	for _, sc := range subChunks {
		if seen[sc] {
			t.Fatalf("duplicate sub-chunk id %d", sc)
		}
		seen[sc] = true
	}
}

func TestGetChunksInRejectsBadNode(t *testing.T) {
	c := mustNew(t, 0.01, 85, 12)
	region := SphericalBox{LonMin: 0, LonMax: 10, LatMin: -10, LatMax: 10}
	if _, err := c.GetChunksIn(region, 0, 0); err == nil {
		t.Fatalf("expected an error for numNodes=0")
	}
	if _, err := c.GetChunksIn(region, 5, 4); err == nil {
		t.Fatalf("expected an error for node >= numNodes")
	}
}

func TestGetChunksInPartitionsAcrossNodes(t *testing.T) {
	c := mustNew(t, 0.01, 85, 12)
	region := SphericalBox{LonMin: 0, LonMax: 45, LatMin: -20, LatMax: 20}
	const numNodes = 4
	seen := make(map[int32]uint32)
	for node := uint32(0); node < numNodes; node++ {
		chunks, err := c.GetChunksIn(region, node, numNodes)
		if err != nil {
			t.Fatalf("GetChunksIn: %v", err)
		}
		for _, chunkId := range chunks {
			if owner, ok := seen[chunkId]; ok {
				t.Fatalf("chunk %d assigned to both node %d and node %d", chunkId, owner, node)
			}
			seen[chunkId] = node
			if NodeFor(chunkId, numNodes) != node {
				t.Fatalf("chunk %d returned for node %d but NodeFor says %d", chunkId, node, NodeFor(chunkId, numNodes))
			}
		}
	}
	if len(seen) == 0 {
		t.Fatalf("expected at least one chunk intersecting the region across all nodes")
	}
}

func TestNodeForStableAndBounded(t *testing.T) {
	const numNodes = 7
	for chunkId := int32(0); chunkId < 500; chunkId++ {
		n1 := NodeFor(chunkId, numNodes)
		n2 := NodeFor(chunkId, numNodes)
		if n1 != n2 {
			t.Fatalf("NodeFor(%d) not stable: %d vs %d", chunkId, n1, n2)
		}
		if n1 >= numNodes {
			t.Fatalf("NodeFor(%d) = %d out of range [0, %d)", chunkId, n1, numNodes)
		}
	}
}
