// Package history implements the bounded, recency-ordered cache that maps
// recent frames to their previously computed SR results, queried by
// approximate similarity rather than exact key.
package history

import (
	"image"

	"github.com/Evoltional/apisr/internal/frame"
	"github.com/Evoltional/apisr/internal/similarity"
)

// Params fixes the matching policy and capacity for one cache instance.
type Params struct {
	// Capacity bounds the number of retained entries (1-200). 1 degenerates
	// to "compare only against the immediately preceding frame".
	Capacity int

	// Enabled gates lookup entirely. When false every lookup misses and
	// the cache is a pure miss log.
	Enabled bool

	UseHash       bool
	HashThreshold int

	UseSSIM       bool
	SSIMThreshold float64
}

// Entry pairs a retained frame with its fingerprint and SR result.
// SR is nil only transiently; an entry with a nil SR is never matched.
type Entry struct {
	Original    *frame.Frame
	Fingerprint *similarity.Fingerprint
	SR          *image.RGBA
	FrameIndex  int
}

// Match reports a cache hit. SR is a copy; the caller may mutate it freely.
type Match struct {
	SR         *image.RGBA
	FrameIndex int

	// Diagnostics for logging. -1 when the method was not consulted.
	HashDistance int
	Score        float64
}

// Cache holds entries in recency order: entries[0] is most recent.
// It is only ever touched by the single pipeline worker, so it carries
// no locking.
type Cache struct {
	params  Params
	entries []*Entry
}

func New(params Params) *Cache {
	if params.Capacity < 1 {
		params.Capacity = 1
	}
	return &Cache{
		params:  params,
		entries: make([]*Entry, 0, params.Capacity),
	}
}

// Len returns the current entry count, always <= Capacity.
func (c *Cache) Len() int { return len(c.entries) }

// Capacity returns the configured bound.
func (c *Cache) Capacity() int { return c.params.Capacity }

// Indexes returns the frame indexes in recency order, most recent first.
func (c *Cache) Indexes() []int {
	out := make([]int, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.FrameIndex
	}
	return out
}

// Lookup scans entries from most-recent to least-recent and returns the
// first entry satisfying the active matching policy, or nil on a miss.
//
// Policy, evaluated per entry in order:
//  1. hash enabled and both hashes present: Hamming distance must be
//     within threshold; when SSIM is also enabled the candidate must
//     additionally pass the SSIM threshold (hash pre-filters, SSIM decides).
//  2. otherwise, SSIM enabled and both thumbnails present: score must
//     reach the threshold.
//
// The first satisfying entry wins: closest in recency, not best overall.
// On a match the entry is promoted to the most-recent position and a copy
// of its SR result is returned.
func (c *Cache) Lookup(f *frame.Frame, fp *similarity.Fingerprint) *Match {
	if !c.params.Enabled || fp == nil || len(c.entries) == 0 {
		return nil
	}

	for i, e := range c.entries {
		if e.Original == nil || e.SR == nil {
			continue
		}

		if c.params.UseHash && fp.Hash != nil && e.Fingerprint != nil && e.Fingerprint.Hash != nil {
			dist := similarity.HashDistance(fp.Hash, e.Fingerprint.Hash)
			if dist > c.params.HashThreshold {
				continue
			}
			if c.params.UseSSIM {
				score := similarity.SSIM(f, e.Original)
				if score < c.params.SSIMThreshold {
					continue
				}
				return c.accept(i, dist, score)
			}
			return c.accept(i, dist, -1)
		}

		if c.params.UseSSIM && fp.Thumb != nil && e.Fingerprint != nil && e.Fingerprint.Thumb != nil {
			score := similarity.SSIM(f, e.Original)
			if score >= c.params.SSIMThreshold {
				return c.accept(i, -1, score)
			}
		}
	}

	return nil
}

// accept promotes entry i to the head and returns the match.
func (c *Cache) accept(i int, dist int, score float64) *Match {
	e := c.entries[i]
	if i > 0 {
		copy(c.entries[1:i+1], c.entries[:i])
		c.entries[0] = e
	}
	return &Match{
		SR:           frame.CloneRGBA(e.SR),
		FrameIndex:   e.FrameIndex,
		HashDistance: dist,
		Score:        score,
	}
}

// Insert records a frame and its SR result at the most-recent position,
// evicting the least-recent entry when the cache is full. The frame and
// result are copied; the cache's lifetime outlives the pipeline iteration
// that produced them.
func (c *Cache) Insert(f *frame.Frame, fp *similarity.Fingerprint, sr *image.RGBA) {
	e := &Entry{
		Original:    f.Clone(),
		Fingerprint: fp,
		FrameIndex:  f.Index,
	}
	if sr != nil {
		e.SR = frame.CloneRGBA(sr)
	}

	if len(c.entries) == c.params.Capacity {
		// Drop the tail reference so the buffers can be collected.
		c.entries[len(c.entries)-1] = nil
		c.entries = c.entries[:len(c.entries)-1]
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[1:], c.entries[:len(c.entries)-1])
	c.entries[0] = e
}

// Reset drops all entries. Called at segment boundaries and periodically
// within long segments to bound peak memory.
func (c *Cache) Reset() {
	for i := range c.entries {
		c.entries[i] = nil
	}
	c.entries = c.entries[:0]
}
