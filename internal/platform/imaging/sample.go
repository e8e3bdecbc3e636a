package imaging

import "math"

// NoLimit disables a bound in ComputeSampleSize
const NoLimit = -1

// ComputeSampleSize returns the subsampling factor for decoding a width x
// height image so that it has at most maxPixels pixels and no side shorter
// than minSide. Either bound may be NoLimit. Factors up to 8 are rounded up
// to a power of two, larger ones to a multiple of 8.
func ComputeSampleSize(width, height, minSide, maxPixels int) int {
	initial := initialSampleSize(width, height, minSide, maxPixels)
	if initial <= 8 {
		rounded := 1
		for rounded < initial {
			rounded <<= 1
		}
		return rounded
	}
	return (initial + 7) / 8 * 8
}

func initialSampleSize(width, height, minSide, maxPixels int) int {
	w := float64(width)
	h := float64(height)

	lower := 1
	if maxPixels != NoLimit && maxPixels > 0 {
		lower = int(math.Ceil(math.Sqrt(w * h / float64(maxPixels))))
	}
	upper := 128
	if minSide != NoLimit && minSide > 0 {
		upper = int(math.Min(math.Floor(w/float64(minSide)), math.Floor(h/float64(minSide))))
	}

	if upper < lower {
		// no overlap, the pixel budget wins
		return lower
	}
	switch {
	case maxPixels == NoLimit && minSide == NoLimit:
		return 1
	case minSide == NoLimit:
		return lower
	default:
		return upper
	}
}
