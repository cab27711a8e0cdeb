package toy

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/scale"
	"github.com/samcharles93/ctrlvar/internal/sequence"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

func testPredictor(t *testing.T, head, embed, cond, maxLen int) *Predictor {
	t.Helper()
	p, err := NewPredictor(PredictorConfig{Head: head, EmbedDim: embed, CondDim: cond, MaxLen: maxLen, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func randomInput(layout sequence.Layout, batch, embed, cond int) model.ForwardInput {
	in := model.ForwardInput{Cond: tensor.NewMat(batch, cond), Layout: layout}
	tensor.FillNormal(&in.Cond, 1, 1)
	for b := 0; b < batch; b++ {
		m := tensor.NewMat(layout.Len, embed)
		tensor.FillNormal(&m, int64(10+b), 1)
		in.Embed = append(in.Embed, m)
	}
	return in
}

// TestSessionMatchesForward feeds the same blocks through both modes and
// expects bit-identical logits.
func TestSessionMatchesForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := scale.MustNew([]int{1, 2, 3})
	for _, tc := range []struct {
		name      string
		policy    sequence.Policy
		maskFirst bool
		separator bool
	}{
		{"interleave", sequence.PolicyInterleaveAppend, true, false},
		{"interleave-target-first-sep", sequence.PolicyInterleaveAppend, false, true},
		{"replace", sequence.PolicyReplace, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			layout := sequence.NewLayout(s, tc.policy, tc.maskFirst, tc.separator)
			p := testPredictor(t, 9, 4, 5, layout.Len)
			in := randomInput(layout, 2, 4, 5)
			full, err := p.Forward(ctx, in)
			if err != nil {
				t.Fatal(err)
			}
			sess, err := p.NewSession(ctx, model.SessionConfig{Cond: in.Cond, Layout: layout})
			if err != nil {
				t.Fatal(err)
			}
			consumed := 0
			for _, seg := range layout.Segments {
				appended := make([]tensor.Mat, len(in.Embed))
				for b, emb := range in.Embed {
					appended[b] = tensor.NewMatFromData(seg.Offset-consumed, emb.C,
						emb.Data[consumed*emb.C:seg.Offset*emb.C])
				}
				consumed = seg.Offset
				got, err := sess.Step(ctx, appended, seg.Len)
				if err != nil {
					t.Fatal(err)
				}
				for b := range got {
					for r := 0; r < seg.Len; r++ {
						want := full[b].Row(seg.Offset + r)
						row := got[b].Row(r)
						for v := range row {
							if row[v] != want[v] {
								t.Fatalf("sample %d pos %d vocab %d: session %v forward %v", b, seg.Offset+r, v, row[v], want[v])
							}
						}
					}
				}
			}
		})
	}
}

func TestForwardIsBlockCausal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	layout := sequence.NewLayout(scale.MustNew([]int{1, 2, 3}), sequence.PolicyInterleaveAppend, true, false)
	p := testPredictor(t, 6, 3, 2, layout.Len)
	in := randomInput(layout, 1, 3, 2)
	before, err := p.Forward(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	last := layout.Segments[len(layout.Segments)-1]
	for i := last.Offset * 3; i < len(in.Embed[0].Data); i++ {
		in.Embed[0].Data[i] += 100
	}
	after, err := p.Forward(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < (last.Offset+last.Len)*6; i++ {
		if before[0].Data[i] != after[0].Data[i] {
			t.Fatalf("logit %d changed after editing the final block", i)
		}
	}
}

func TestPredictorShapeErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	layout := sequence.NewLayout(scale.MustNew([]int{1, 2}), sequence.PolicyReplace, false, false)
	p := testPredictor(t, 4, 3, 2, layout.Len)
	in := randomInput(layout, 1, 3, 2)
	in.Cond = tensor.NewMat(1, 7)
	if _, err := p.Forward(ctx, in); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("wrong cond width: %v", err)
	}
	sess, err := p.NewSession(ctx, model.SessionConfig{Cond: tensor.NewMat(1, 2), Layout: layout})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Step(ctx, nil, layout.Len+1); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("step past end: %v", err)
	}
}

func testQuantizer(t *testing.T, size int) *Quantizer {
	t.Helper()
	q, err := NewQuantizer(QuantizerConfig{
		Schedule: scale.MustNew([]int{1, 2, 4}),
		Vocab:    16,
		Channels: 3,
		Height:   size,
		Width:    size,
		Seed:     9,
	})
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestQuantizerEncodeShapes(t *testing.T) {
	t.Parallel()
	q := testQuantizer(t, 8)
	img := pixel.New(2, 3, 8, 8)
	for i := range img.Data {
		img.Data[i] = float32(i%7)/3 - 1
	}
	labels, err := q.EncodeToLabels(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 3 {
		t.Fatalf("got %d scales", len(labels))
	}
	for i, pn := range []int{1, 2, 4} {
		for b := 0; b < 2; b++ {
			if len(labels[i][b]) != pn*pn {
				t.Fatalf("scale %d sample %d has %d ids", i, b, len(labels[i][b]))
			}
			for _, id := range labels[i][b] {
				if id < 0 || id >= 16 {
					t.Fatalf("id %d out of range", id)
				}
			}
		}
	}
	again, _ := q.EncodeToLabels(context.Background(), img)
	if again[2][1][3] != labels[2][1][3] {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestDecodeMatchesFinestEmbedding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := testQuantizer(t, 4)
	labels := [][][]int{{{1}}, {{2, 3, 4, 5}}, {make([]int, 16)}}
	for i := range labels[2][0] {
		labels[2][0][i] = i
	}
	img, err := q.Decode(ctx, labels)
	if err != nil {
		t.Fatal(err)
	}
	emb, err := q.LabelsToEmbeddings(ctx, labels)
	if err != nil {
		t.Fatal(err)
	}
	fine := emb[2][0]
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			for c := 0; c < 3; c++ {
				if got, want := img.At(0, c, y, x), fine.Row(y*4 + x)[c]; got != want {
					t.Fatalf("pixel (%d,%d,%d) = %v want %v", c, y, x, got, want)
				}
			}
		}
	}
	// The coarsest embedding is the code itself.
	code := q.codebook.Row(1)
	if emb[0][0].Row(0)[2] != code[2] {
		t.Fatalf("scale 0 embedding is not its code")
	}
}

func TestQuantizerErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := testQuantizer(t, 8)
	if _, err := q.EncodeToLabels(ctx, pixel.New(1, 3, 6, 8)); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("wrong size: %v", err)
	}
	if _, err := q.Decode(ctx, [][][]int{{{0}}}); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("short pyramid: %v", err)
	}
	if _, err := q.LabelsToEmbeddings(ctx, [][][]int{{{99}}}); !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Fatalf("id out of range: %v", err)
	}
	if _, err := NewQuantizer(QuantizerConfig{Schedule: scale.MustNew([]int{1, 4}), Vocab: 4, Channels: 1, Height: 2, Width: 2}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("image smaller than grid: %v", err)
	}
}

func TestSyntheticBatch(t *testing.T) {
	t.Parallel()
	target, control, classes := SyntheticBatch(4, 3, 8, 5, 1)
	if target.N != 4 || control.H != 8 || len(classes) != 4 {
		t.Fatalf("unexpected shapes")
	}
	for _, c := range classes {
		if c < 0 || c >= 5 {
			t.Fatalf("class %d out of range", c)
		}
	}
	for i, v := range target.Data {
		if v < -1 || v > 1 {
			t.Fatalf("target value %v out of range", v)
		}
		if m := control.Data[i]; m != 1 && m != -1 {
			t.Fatalf("control value %v is not a mask", m)
		}
	}
	again, _, _ := SyntheticBatch(4, 3, 8, 5, 1)
	if again.Data[17] != target.Data[17] {
		t.Fatalf("synthetic data is not reproducible")
	}
}

func TestSyntheticForFollowsClasses(t *testing.T) {
	t.Parallel()
	target, control := SyntheticFor([]int{2, 2, 2}, 1, 8, 5, 9)
	if target.N != 3 || control.N != 3 || target.C != 1 {
		t.Fatalf("unexpected shapes")
	}
	// Same class means the same mask for every sample.
	for s := 1; s < 3; s++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				if control.At(s, 0, y, x) != control.At(0, 0, y, x) {
					t.Fatalf("sample %d mask differs at %d,%d", s, y, x)
				}
			}
		}
	}
	_, other := SyntheticFor([]int{2, 3}, 1, 8, 5, 9)
	differs := false
	for i := 0; i < 64; i++ {
		if other.Data[i] != other.Data[64+i] {
			differs = true
		}
	}
	if !differs {
		t.Fatalf("classes 2 and 3 share a mask")
	}
}
