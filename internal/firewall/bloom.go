package firewall

import (
	"hash/fnv"
	"regexp"
	"strings"
)

// bloomFilter is a small fixed-size bit-set Bloom filter over a marker
// set (common provider domains, keyword prefixes like "ssn:", "bearer ").
// No bloom-filter library appears anywhere in the retrieval pack, so
// this is a deliberately minimal stdlib implementation — see DESIGN.md.
type bloomFilter struct {
	bits []uint64
	k    int
}

func newBloomFilter(markers []string, bits int, k int) *bloomFilter {
	bf := &bloomFilter{bits: make([]uint64, (bits+63)/64), k: k}
	for _, m := range markers {
		bf.add(strings.ToLower(m))
	}
	return bf
}

func (bf *bloomFilter) size() int { return len(bf.bits) * 64 }

func (bf *bloomFilter) positions(s string) []int {
	h1 := fnv.New64a()
	h1.Write([]byte(s))
	sum1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write([]byte(s))
	sum2 := h2.Sum64()

	size := uint64(bf.size())
	out := make([]int, bf.k)
	for i := 0; i < bf.k; i++ {
		out[i] = int((sum1 + uint64(i)*sum2) % size)
	}
	return out
}

func (bf *bloomFilter) add(s string) {
	for _, p := range bf.positions(s) {
		bf.bits[p/64] |= 1 << uint(p%64)
	}
}

func (bf *bloomFilter) has(s string) bool {
	for _, p := range bf.positions(s) {
		if bf.bits[p/64]&(1<<uint(p%64)) == 0 {
			return false
		}
	}
	return true
}

var wordSplit = regexp.MustCompile(`[^a-z0-9@:._-]+`)

// mayContain reports whether text might carry PII per the fixed marker
// set. It is a two-layer check: cheap direct substring search for
// multi-word phrase markers, and a Bloom membership test over
// single-token markers extracted from the lowercased, tokenised text —
// standard Bloom usage (never false-negative, may false-positive), so
// a negative here safely skips the firewall's PII confirmation step.
func (bf *bloomFilter) mayContain(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range bloomPhraseMarkers {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, tok := range wordSplit.Split(lower, -1) {
		if tok == "" {
			continue
		}
		if bf.has(tok) {
			return true
		}
		// Markers appear inside a token as a prefix ("ssn:123-45-6789")
		// or a suffix ("john.doe@company.com"), so substring match.
		for _, marker := range bloomTokenMarkers {
			if strings.Contains(tok, marker) && bf.has(marker) {
				return true
			}
		}
	}
	return false
}

// bloomTokenMarkers are single-token markers inserted into the filter:
// key prefixes such as "ssn:" and email-domain suffixes such as "@gmail.com".
var bloomTokenMarkers = []string{
	"ssn:", "bearer", "api_key", "secret_key", "password",
	"aws_secret", "private_key", "@gmail.com", "@yahoo.com", "@outlook.com", "@company.com",
}

// bloomPhraseMarkers are multi-word markers checked directly; a Bloom
// filter gains nothing over a literal scan for a handful of fixed
// phrases, so these bypass the bit-test layer.
var bloomPhraseMarkers = []string{"credit card", "social security"}

func newDefaultBloom() *bloomFilter {
	return newBloomFilter(bloomTokenMarkers, 2048, 4)
}
