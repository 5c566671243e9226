// Package textutil holds the text helpers shared by the phrase, glossary and
// crawling stages: term normalization, case-folded keys for deduplication,
// token fingerprints for near-duplicate detection, and safe file tokens.
//
// Fingerprints are term-frequency vectors over case-folded tokens of at least
// two letters or digits; CosineSimilarity compares them.
package textutil
