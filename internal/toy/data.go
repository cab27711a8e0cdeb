package toy

import (
	"math"
	"math/rand"

	"github.com/samcharles93/ctrlvar/internal/pixel"
)

// SyntheticBatch draws n target images in [-1, 1] together with their mask
// controls. Each class gets its own stripe frequency and phase; the control
// is +1 where the first channel of the target is positive and -1 elsewhere.
func SyntheticBatch(n, channels, size, numClasses int, seed int64) (target, control *pixel.Batch, classes []int) {
	rng := rand.New(rand.NewSource(seed))
	target = pixel.New(n, channels, size, size)
	control = pixel.New(n, channels, size, size)
	classes = make([]int, n)
	for s := 0; s < n; s++ {
		classes[s] = rng.Intn(numClasses)
		drawPair(target, control, s, classes[s], numClasses, rng)
	}
	return target, control, classes
}

// SyntheticFor draws one target/control pair per entry of classes, sample s
// belonging to classes[s].
func SyntheticFor(classes []int, channels, size, numClasses int, seed int64) (target, control *pixel.Batch) {
	rng := rand.New(rand.NewSource(seed))
	target = pixel.New(len(classes), channels, size, size)
	control = pixel.New(len(classes), channels, size, size)
	for s, cls := range classes {
		drawPair(target, control, s, cls, numClasses, rng)
	}
	return target, control
}

func drawPair(target, control *pixel.Batch, s, cls, numClasses int, rng *rand.Rand) {
	size := target.H
	freq := 1 + float64(cls%4)
	phase := 2 * math.Pi * float64(cls) / float64(numClasses)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			u := float64(x+y) / float64(size)
			base := math.Sin(2*math.Pi*freq*u + phase)
			mask := float32(-1)
			if base > 0 {
				mask = 1
			}
			for c := 0; c < target.C; c++ {
				v := base*(1-0.2*float64(c)) + 0.1*rng.NormFloat64()
				target.Set(s, c, y, x, float32(math.Max(-1, math.Min(1, v))))
				control.Set(s, c, y, x, mask)
			}
		}
	}
}
