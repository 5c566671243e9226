package textutil

import (
	"math"
	"strings"
	"unicode"
)

// termVector counts case-folded word tokens.
type termVector map[string]float64

func vectorOf(text string) termVector {
	v := termVector{}
	for _, tok := range tokenize(text) {
		v[tok]++
	}
	return v
}

func (v termVector) norm() float64 {
	var sum float64
	for _, n := range v {
		sum += n * n
	}
	return math.Sqrt(sum)
}

// tokenize drops single-rune tokens; they carry no signal for term matching.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(FoldKey(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// Similarity is the cosine similarity of the token counts of a and b.
// Text without usable tokens scores 0 against everything.
func Similarity(a, b string) float64 {
	va, vb := vectorOf(a), vectorOf(b)
	na, nb := va.norm(), vb.norm()
	if na == 0 || nb == 0 {
		return 0
	}
	if len(vb) < len(va) {
		va, vb = vb, va
	}
	var dot float64
	for tok, n := range va {
		dot += n * vb[tok]
	}
	return dot / (na * nb)
}

// NearDuplicate reports whether two phrases share enough tokens to be treated
// as the same term.
func NearDuplicate(a, b string, threshold float64) bool {
	if FoldKey(a) == FoldKey(b) {
		return true
	}
	return Similarity(a, b) >= threshold
}
