package geometry

// AlignSimilarity computes the rotation+scale block of the similarity
// transform that best maps src onto dst in a least-squares sense, after
// removing the centroids of both point sets. Translation is not solved for;
// callers that need it anchor the transform at a point of their choosing.
//
// The closed form follows the centroid dot/cross method: with both sets
// mean-centered,
//
//	a = sum(sx*dx + sy*dy) / sum(sx^2 + sy^2)
//	b = sum(sx*dy - sy*dx) / sum(sx^2 + sy^2)
func AlignSimilarity(src, dst []Point2D) Similarity {
	if len(src) == 0 || len(src) != len(dst) {
		return Similarity{A: 1}
	}

	srcC := Centroid(src)
	dstC := Centroid(dst)

	var dotSum, crossSum, normSum float64
	for i := range src {
		sx, sy := src[i].X-srcC.X, src[i].Y-srcC.Y
		dx, dy := dst[i].X-dstC.X, dst[i].Y-dstC.Y
		dotSum += sx*dx + sy*dy
		crossSum += sx*dy - sy*dx
		normSum += sx*sx + sy*sy
	}

	if normSum < 1e-20 {
		return Similarity{A: 1}
	}

	return Similarity{A: dotSum / normSum, B: crossSum / normSum}
}
