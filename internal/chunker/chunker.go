// Package chunker implements the Qserv spherical-box partitioning scheme:
// deterministic assignment of (lon, lat) positions to chunk and sub-chunk
// IDs, their bounding boxes, and chunk-to-node placement.
package chunker

import (
	"errors"
	"fmt"
	"math"
)

// ChunkLocation is the chunk/sub-chunk a position maps to. Overlap is true
// when this location was produced as an additional near-boundary copy
// rather than the position's unique non-overlap location.
type ChunkLocation struct {
	ChunkId    int32
	SubChunkId int32
	Overlap    bool
}

// Chunker locates points on the sphere according to the partitioning
// scheme and answers bounding-box and node-placement queries about chunk
// and sub-chunk IDs.
type Chunker struct {
	overlap              float64
	numStripes           int32
	numSubStripesPer     int32
	subStripeHeight      float64
	maxSubChunksPerChunk int32

	numChunksPerStripe   []int32   // indexed by stripe
	numSubChunksPerChunk []int32   // indexed by sub-stripe
	subChunkWidth        []float64 // indexed by sub-stripe
	alpha                []float64 // indexed by sub-stripe
}

// New builds a Chunker for the given overlap radius (degrees) and stripe
// geometry. It fails if the geometry is invalid; Locate itself never fails
// once construction succeeds.
func New(overlap float64, numStripes, numSubStripesPerStripe int32) (*Chunker, error) {
	if numStripes < 1 || numSubStripesPerStripe < 1 {
		return nil, errors.New("chunker: numStripes and numSubStripesPerStripe must be positive")
	}
	if overlap < 0.0 || overlap > 10.0 {
		return nil, errors.New("chunker: overlap radius must be in range [0, 10] degrees")
	}
	numSubStripes := numStripes * numSubStripesPerStripe
	stripeHeight := 180.0 / float64(numStripes)
	subStripeHeight := 180.0 / float64(numSubStripes)
	if subStripeHeight < overlap {
		return nil, errors.New("chunker: overlap radius is greater than the sub-stripe height")
	}

	c := &Chunker{
		overlap:          overlap,
		numStripes:       numStripes,
		numSubStripesPer: numSubStripesPerStripe,
		subStripeHeight:  subStripeHeight,
	}
	c.numChunksPerStripe = make([]int32, numStripes)
	c.numSubChunksPerChunk = make([]int32, numSubStripes)
	c.subChunkWidth = make([]float64, numSubStripes)
	c.alpha = make([]float64, numSubStripes)

	var maxSubChunksPerChunk int32
	for i := int32(0); i < numStripes; i++ {
		nc := segments(float64(i)*stripeHeight-90.0, float64(i+1)*stripeHeight-90.0, stripeHeight)
		c.numChunksPerStripe[i] = int32(nc)
		for j := int32(0); j < numSubStripesPerStripe; j++ {
			ss := i*numSubStripesPerStripe + j
			latMin := float64(ss)*subStripeHeight - 90.0
			latMax := float64(ss+1)*subStripeHeight - 90.0
			nsc := int32(segments(latMin, latMax, subStripeHeight)) / int32(nc)
			if nsc < 1 {
				nsc = 1
			}
			if nsc > maxSubChunksPerChunk {
				maxSubChunksPerChunk = nsc
			}
			c.numSubChunksPerChunk[ss] = nsc
			scw := 360.0 / float64(nsc*int32(nc))
			c.subChunkWidth[ss] = scw
			a := maxAlpha(overlap, math.Max(math.Abs(latMin), math.Abs(latMax)))
			if a > scw {
				return nil, fmt.Errorf("chunker: overlap radius is greater than the sub-chunk width in stripe %d sub-stripe %d", i, j)
			}
			c.alpha[ss] = a
		}
	}
	c.maxSubChunksPerChunk = maxSubChunksPerChunk
	return c, nil
}

func (c *Chunker) Overlap() float64 { return c.overlap }

func (c *Chunker) getStripe(chunkId int32) int32       { return chunkId / (2 * c.numStripes) }
func (c *Chunker) getChunk(chunkId, stripe int32) int32 { return chunkId - stripe*2*c.numStripes }
func (c *Chunker) getSubStripe(subChunkId, stripe int32) int32 {
	return stripe*c.numSubStripesPer + subChunkId/c.maxSubChunksPerChunk
}
func (c *Chunker) getSubChunk(subChunkId, stripe, subStripe, chunk int32) int32 {
	return subChunkId - (subStripe-stripe*c.numSubStripesPer)*c.maxSubChunksPerChunk + chunk*c.numSubChunksPerChunk[subStripe]
}
func (c *Chunker) getChunkId(stripe, chunk int32) int32 { return stripe*2*c.numStripes + chunk }
func (c *Chunker) getSubChunkId(stripe, subStripe, chunk, subChunk int32) int32 {
	return (subStripe-stripe*c.numSubStripesPer)*c.maxSubChunksPerChunk + (subChunk - chunk*c.numSubChunksPerChunk[subStripe])
}

// GetChunkBounds returns the bounding box of a chunk.
func (c *Chunker) GetChunkBounds(chunkId int32) SphericalBox {
	stripe := c.getStripe(chunkId)
	chunk := c.getChunk(chunkId, stripe)
	width := 360.0 / float64(c.numChunksPerStripe[stripe])
	lonMin := float64(chunk) * width
	lonMax := clampLon(float64(chunk+1) * width)
	latMin := clampLat(float64(stripe)*float64(c.numSubStripesPer)*c.subStripeHeight - 90.0)
	latMax := clampLat(float64(stripe+1)*float64(c.numSubStripesPer)*c.subStripeHeight - 90.0)
	return SphericalBox{LonMin: lonMin, LonMax: lonMax, LatMin: latMin, LatMax: latMax}
}

// GetSubChunkBounds returns the bounding box of a sub-chunk within chunkId.
func (c *Chunker) GetSubChunkBounds(chunkId, subChunkId int32) SphericalBox {
	stripe := c.getStripe(chunkId)
	chunk := c.getChunk(chunkId, stripe)
	subStripe := c.getSubStripe(subChunkId, stripe)
	subChunk := c.getSubChunk(subChunkId, stripe, subStripe, chunk)
	lonMin := float64(subChunk) * c.subChunkWidth[subStripe]
	lonMax := clampLon(float64(subChunk+1) * c.subChunkWidth[subStripe])
	latMin := clampLat(float64(subStripe)*c.subStripeHeight - 90.0)
	latMax := clampLat(float64(subStripe+1)*c.subStripeHeight - 90.0)
	return SphericalBox{LonMin: lonMin, LonMax: lonMax, LatMin: latMin, LatMax: latMax}
}

// Locate returns the unique non-overlap location of (lon, lat).
func (c *Chunker) Locate(lon, lat float64) ChunkLocation {
	subStripe := int32(math.Floor((lat + 90.0) / c.subStripeHeight))
	numSubStripes := c.numSubStripesPer * c.numStripes
	if subStripe >= numSubStripes {
		subStripe = numSubStripes - 1
	}
	stripe := subStripe / c.numSubStripesPer
	subChunk := int32(math.Floor(lon / c.subChunkWidth[subStripe]))
	numChunks := c.numChunksPerStripe[stripe]
	numSubChunksPerChunk := c.numSubChunksPerChunk[subStripe]
	numSubChunks := numChunks * numSubChunksPerChunk
	if subChunk >= numSubChunks {
		subChunk = numSubChunks - 1
	}
	chunk := subChunk / numSubChunksPerChunk
	return ChunkLocation{
		ChunkId:    c.getChunkId(stripe, chunk),
		SubChunkId: c.getSubChunkId(stripe, subStripe, chunk, subChunk),
	}
}

// LocateWithOverlap appends the non-overlap location of (lon, lat) plus
// every overlap location, restricted to chunkId when chunkId >= 0.
func (c *Chunker) LocateWithOverlap(lon, lat float64, chunkId int32) []ChunkLocation {
	var locations []ChunkLocation

	subStripe := int32(math.Floor((lat + 90.0) / c.subStripeHeight))
	numSubStripes := c.numSubStripesPer * c.numStripes
	if subStripe >= numSubStripes {
		subStripe = numSubStripes - 1
	}
	stripe := subStripe / c.numSubStripesPer
	subChunk := int32(math.Floor(lon / c.subChunkWidth[subStripe]))
	numChunks := c.numChunksPerStripe[stripe]
	numSubChunksPerChunk := c.numSubChunksPerChunk[subStripe]
	numSubChunks := numChunks * numSubChunksPerChunk
	if subChunk >= numSubChunks {
		subChunk = numSubChunks - 1
	}
	chunk := subChunk / numSubChunksPerChunk

	if chunkId < 0 || c.getChunkId(stripe, chunk) == chunkId {
		locations = append(locations, ChunkLocation{
			ChunkId:    c.getChunkId(stripe, chunk),
			SubChunkId: c.getSubChunkId(stripe, subStripe, chunk, subChunk),
		})
	}
	if c.overlap == 0.0 {
		return locations
	}

	lonMin := float64(subChunk) * c.subChunkWidth[subStripe]
	lonMax := clampLon(float64(subChunk+1) * c.subChunkWidth[subStripe])
	latMin := clampLat(float64(subStripe)*c.subStripeHeight - 90.0)
	latMax := clampLat(float64(subStripe+1)*c.subStripeHeight - 90.0)

	if subStripe > 0 && lat < latMin+c.overlap {
		locations = c.upDownOverlap(lon, chunkId, (subStripe-1)/c.numSubStripesPer, subStripe-1, locations)
	}
	if subStripe < numSubStripes-1 && lat >= latMax-c.overlap {
		locations = c.upDownOverlap(lon, chunkId, (subStripe+1)/c.numSubStripesPer, subStripe+1, locations)
	}
	if numSubChunks == 1 {
		return locations
	}

	alpha := c.alpha[subStripe]
	if lon < lonMin+alpha {
		var overlapChunk, overlapSubChunk int32
		if subChunk == 0 {
			overlapChunk = numChunks - 1
			overlapSubChunk = numSubChunks - 1
		} else {
			overlapChunk = (subChunk - 1) / numSubChunksPerChunk
			overlapSubChunk = subChunk - 1
		}
		if chunkId < 0 || c.getChunkId(stripe, overlapChunk) == chunkId {
			locations = append(locations, ChunkLocation{
				ChunkId:    c.getChunkId(stripe, overlapChunk),
				SubChunkId: c.getSubChunkId(stripe, subStripe, overlapChunk, overlapSubChunk),
				Overlap:    true,
			})
		}
	}
	if lon > lonMax-alpha {
		var overlapChunk, overlapSubChunk int32
		if subChunk == numSubChunks-1 {
			overlapChunk = 0
			overlapSubChunk = 0
		} else {
			overlapChunk = (subChunk + 1) / numSubChunksPerChunk
			overlapSubChunk = subChunk + 1
		}
		if chunkId < 0 || c.getChunkId(stripe, overlapChunk) == chunkId {
			locations = append(locations, ChunkLocation{
				ChunkId:    c.getChunkId(stripe, overlapChunk),
				SubChunkId: c.getSubChunkId(stripe, subStripe, overlapChunk, overlapSubChunk),
				Overlap:    true,
			})
		}
	}
	return locations
}

func (c *Chunker) upDownOverlap(lon float64, chunkId, stripe, subStripe int32, locations []ChunkLocation) []ChunkLocation {
	numChunks := c.numChunksPerStripe[stripe]
	numSubChunksPerChunk := c.numSubChunksPerChunk[subStripe]
	numSubChunks := numChunks * numSubChunksPerChunk
	subChunkWidth := c.subChunkWidth[subStripe]
	alpha := c.alpha[subStripe]

	minSubChunk := int32(math.Floor((lon - alpha) / subChunkWidth))
	maxSubChunk := int32(math.Floor((lon + alpha) / subChunkWidth))
	if minSubChunk < 0 {
		minSubChunk += numSubChunks
	}
	if maxSubChunk >= numSubChunks {
		maxSubChunk -= numSubChunks
	}

	appendLoc := func(subChunk int32) {
		chunk := subChunk / numSubChunksPerChunk
		if chunkId < 0 || c.getChunkId(stripe, chunk) == chunkId {
			locations = append(locations, ChunkLocation{
				ChunkId:    c.getChunkId(stripe, chunk),
				SubChunkId: c.getSubChunkId(stripe, subStripe, chunk, subChunk),
				Overlap:    true,
			})
		}
	}

	if minSubChunk > maxSubChunk {
		for subChunk := minSubChunk; subChunk < numSubChunks; subChunk++ {
			appendLoc(subChunk)
		}
		minSubChunk = 0
	}
	for subChunk := minSubChunk; subChunk <= maxSubChunk; subChunk++ {
		appendLoc(subChunk)
	}
	return locations
}

// GetChunksIn returns the chunk IDs whose bounds intersect region and which
// hash to the given node out of numNodes.
func (c *Chunker) GetChunksIn(region SphericalBox, node, numNodes uint32) ([]int32, error) {
	if numNodes == 0 {
		return nil, errors.New("chunker: there must be at least one node to assign chunks to")
	}
	if node >= numNodes {
		return nil, errors.New("chunker: node number must be in range [0, numNodes)")
	}
	minStripe := c.getStripe(c.Locate(0.0, region.LatMin).ChunkId)
	maxStripe := c.getStripe(c.Locate(0.0, region.LatMax).ChunkId)

	var chunks []int32
	for stripe := minStripe; stripe <= maxStripe; stripe++ {
		for chunk := int32(0); chunk < c.numChunksPerStripe[stripe]; chunk++ {
			chunkId := c.getChunkId(stripe, chunk)
			if NodeFor(chunkId, numNodes) == node {
				box := c.GetChunkBounds(chunkId)
				if region.Intersects(box) {
					chunks = append(chunks, chunkId)
				}
			}
		}
	}
	return chunks, nil
}

// GetSubChunks appends the IDs of every sub-chunk belonging to chunkId.
func (c *Chunker) GetSubChunks(chunkId int32) []int32 {
	var subChunks []int32
	stripeBase := c.getStripe(chunkId) * c.numSubStripesPer
	for ss := int32(0); ss < c.numSubStripesPer; ss++ {
		for sc := int32(0); sc < c.numSubChunksPerChunk[stripeBase+ss]; sc++ {
			subChunks = append(subChunks, ss*c.maxSubChunksPerChunk+sc)
		}
	}
	return subChunks
}
