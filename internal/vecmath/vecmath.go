// Package vecmath provides the similarity math shared by the association
// and series components.
//
// Embeddings are high-dimensional (thousands of components), so the dot
// product and norms are accumulated with compensated (Kahan) summation in
// float64 to keep the result numerically stable.
package vecmath

import "math"

// normEpsilon is the norm below which a vector is treated as zero; dividing
// by a near-zero norm would produce garbage similarities.
const normEpsilon = 1e-10

// kahanSum accumulates values with Neumaier's compensated summation.
type kahanSum struct {
	sum, c float64
}

func (k *kahanSum) add(v float64) {
	t := k.sum + v
	if math.Abs(k.sum) >= math.Abs(v) {
		k.c += (k.sum - t) + v
	} else {
		k.c += (v - t) + k.sum
	}
	k.sum = t
}

func (k *kahanSum) value() float64 {
	return k.sum + k.c
}

// CosineSimilarity returns the cosine similarity of a and b, clamped to
// [-1, 1]. It returns 0 when the vectors differ in length or either norm is
// effectively zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb kahanSum
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot.add(x * y)
		na.add(x * x)
		nb.add(y * y)
	}

	normA := math.Sqrt(na.value())
	normB := math.Sqrt(nb.value())
	if normA < normEpsilon || normB < normEpsilon {
		return 0
	}

	sim := dot.value() / (normA * normB)
	return math.Max(-1, math.Min(1, sim))
}

// AverageSimilarity returns the mean cosine similarity between v and each
// member vector. An empty member set yields 0.
func AverageSimilarity(v []float32, members [][]float32) float64 {
	if len(members) == 0 {
		return 0
	}
	var total kahanSum
	for _, m := range members {
		total.add(CosineSimilarity(v, m))
	}
	return total.value() / float64(len(members))
}
