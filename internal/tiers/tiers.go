// Package tiers defines the closed set of OCR tier identifiers and the
// ordering policy for the cascade.
package tiers

import "strings"

// Tier identifies one OCR engine in the cascade.
type Tier string

const (
	Tesseract   Tier = "tesseract"
	EasyOCR     Tier = "easyocr"
	PaddleOCR   Tier = "paddleocr"
	AppleVision Tier = "apple_vision"
	LLMLocal    Tier = "llm_local"
	LLMCloud    Tier = "llm_cloud"
)

// DefaultOrder is the canonical cascade order, cheapest engine first.
var DefaultOrder = []Tier{
	Tesseract,
	EasyOCR,
	PaddleOCR,
	AppleVision,
	LLMLocal,
	LLMCloud,
}

// Known reports whether name is a member of the closed tier set.
func Known(name string) bool {
	switch Tier(name) {
	case Tesseract, EasyOCR, PaddleOCR, AppleVision, LLMLocal, LLMCloud:
		return true
	}
	return false
}

// Parse splits a comma-separated tier list, preserving the caller's order
// and dropping unknown or empty entries.
func Parse(list string) []Tier {
	var out []Tier
	for _, part := range strings.Split(list, ",") {
		name := strings.TrimSpace(part)
		if name == "" || !Known(name) {
			continue
		}
		out = append(out, Tier(name))
	}
	return out
}

// Names converts a tier list to plain strings.
func Names(ts []Tier) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
