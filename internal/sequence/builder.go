package sequence

import (
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/scale"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// Block is one scale of one stream for a whole batch.
//
// Labels is [B][pn²] codebook ids. Embed, when present, holds one
// [pn² x C] matrix per sample reconstructed by the quantizer.
type Block struct {
	Labels [][]int
	Embed  []tensor.Mat
}

// Batch returns the number of samples in the block.
func (b Block) Batch() int { return len(b.Labels) }

// Merged is the training sequence produced by Build.
type Merged struct {
	Labels    [][]int
	Embed     []tensor.Mat
	Mask      [][]float32
	MaskFirst bool
	Layout    Layout
}

// Builder merges streams for one scale schedule and vocabulary.
type Builder struct {
	Schedule  scale.Schedule
	Vocab     int
	Separator bool
}

// Build merges target and control under policy. maskFirst must already be
// resolved for the batch (see ResolveMaskFirst); replace ignores it. The
// returned mask is picked from masks, never recomputed.
func (b Builder) Build(target, control []Block, policy Policy, maskFirst bool, masks MaskSet) (Merged, error) {
	if !policy.valid() {
		return Merged{}, errdefs.Configf("unknown interleave policy %d", int(policy))
	}
	if control == nil {
		return Merged{}, errdefs.Configf("policy %s needs control blocks but none were produced", policy)
	}
	if b.Separator && !policy.Interleaved() {
		return Merged{}, errdefs.Configf("separator tokens require interleave_append, got %s", policy)
	}
	if len(target) != len(control) {
		return Merged{}, errdefs.Shapef("target has %d scales, control has %d", len(target), len(control))
	}
	if len(target) != b.Schedule.Len() {
		return Merged{}, errdefs.Shapef("got %d scales, schedule has %d", len(target), b.Schedule.Len())
	}
	batch, channels, err := b.checkStreams(target, control)
	if err != nil {
		return Merged{}, err
	}

	layout := NewLayout(b.Schedule, policy, maskFirst, b.Separator)
	mask := masks.Select(layout.MaskFirst)
	if len(mask) != batch {
		return Merged{}, errdefs.Shapef("ignore mask has %d rows, batch is %d", len(mask), batch)
	}
	for i, row := range mask {
		if len(row) != layout.Len {
			return Merged{}, errdefs.Shapef("ignore mask row %d has %d entries, sequence has %d", i, len(row), layout.Len)
		}
	}

	out := Merged{
		Labels:    make([][]int, batch),
		Mask:      mask,
		MaskFirst: layout.MaskFirst,
		Layout:    layout,
	}
	for s := 0; s < batch; s++ {
		out.Labels[s] = make([]int, 0, layout.Len)
	}
	var parts [][]tensor.Mat
	if channels > 0 {
		parts = make([][]tensor.Mat, batch)
	}

	for _, seg := range layout.Segments {
		src := target
		if seg.Stream == StreamControl {
			src = control
		}
		blk := src[seg.Scale]
		if seg.Separator {
			id, err := b.separatorID(seg, layout.Segments[0].Stream)
			if err != nil {
				return Merged{}, err
			}
			for s := 0; s < batch; s++ {
				out.Labels[s] = append(out.Labels[s], id)
				if parts != nil {
					parts[s] = append(parts[s], tensor.NewMat(1, channels))
				}
			}
			continue
		}
		for s := 0; s < batch; s++ {
			out.Labels[s] = append(out.Labels[s], blk.Labels[s]...)
			if parts != nil {
				parts[s] = append(parts[s], blk.Embed[s])
			}
		}
	}

	if parts != nil {
		out.Embed = make([]tensor.Mat, batch)
		for s := range parts {
			m, err := tensor.ConcatRows(parts[s]...)
			if err != nil {
				return Merged{}, errdefs.Shapef("sample %d embeddings: %v", s, err)
			}
			out.Embed[s] = m
		}
	}
	return out, nil
}

// separatorID returns the id of a separator segment. Slot 0 follows the
// stream decoded first at each scale.
func (b Builder) separatorID(seg Segment, first Stream) (int, error) {
	slot := 0
	if seg.Stream != first {
		slot = 1
	}
	id, ok := b.Schedule.SeparatorID(b.Vocab, seg.Scale, slot)
	if !ok {
		return 0, errdefs.Configf("no separator id for scale %d slot %d", seg.Scale, slot)
	}
	return id, nil
}

// checkStreams validates every block against the schedule and returns the
// batch size and embedding width (0 when no block carries embeddings).
func (b Builder) checkStreams(target, control []Block) (batch, channels int, err error) {
	batch = target[0].Batch()
	if batch == 0 {
		return 0, 0, errdefs.Invalidf("empty batch")
	}
	withEmbed := target[0].Embed != nil
	channels = -1
	for _, st := range []struct {
		name   string
		blocks []Block
	}{{"target", target}, {"control", control}} {
		for i, blk := range st.blocks {
			n := b.Schedule.Positions(i)
			if blk.Batch() != batch {
				return 0, 0, errdefs.Shapef("%s scale %d has batch %d, want %d", st.name, i, blk.Batch(), batch)
			}
			for s, row := range blk.Labels {
				if len(row) != n {
					return 0, 0, errdefs.Shapef("%s scale %d sample %d has %d labels, want %d", st.name, i, s, len(row), n)
				}
				for _, id := range row {
					if id < 0 || id >= b.Vocab {
						return 0, 0, errdefs.Invalidf("%s scale %d label %d outside [0,%d)", st.name, i, id, b.Vocab)
					}
				}
			}
			if (blk.Embed != nil) != withEmbed {
				return 0, 0, errdefs.Shapef("%s scale %d: embeddings must be given for all blocks or none", st.name, i)
			}
			if !withEmbed {
				continue
			}
			if len(blk.Embed) != batch {
				return 0, 0, errdefs.Shapef("%s scale %d has %d embeddings, want %d", st.name, i, len(blk.Embed), batch)
			}
			for s, m := range blk.Embed {
				if m.R != n {
					return 0, 0, errdefs.Shapef("%s scale %d sample %d embedding has %d rows, want %d", st.name, i, s, m.R, n)
				}
				if channels >= 0 && m.C != channels {
					return 0, 0, errdefs.Shapef("%s scale %d embedding width %d, want %d", st.name, i, m.C, channels)
				}
				channels = m.C
			}
		}
	}
	if channels < 0 {
		channels = 0
	}
	return batch, channels, nil
}
