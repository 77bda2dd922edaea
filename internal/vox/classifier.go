package vox

import (
	"fmt"
	"math"
	"strings"
)

// fullScale is the amplitude reference for the decibel level of a sample
const fullScale = 256

// Convention selects how a sample's decibel level is compared to the threshold
type Convention int

const (
	// ConventionSigned compares the signed dBFS level (always <= 0) with the
	// threshold: quiet samples fall below a negative threshold.
	ConventionSigned Convention = iota
	// ConventionReference compares the magnitude |dB| (always >= 0) with the
	// threshold. With a negative threshold no sample is ever silent.
	ConventionReference
)

// ParseConvention resolves a configured convention name
func ParseConvention(name string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "signed", "dbfs", "":
		return ConventionSigned, nil
	case "reference", "magnitude":
		return ConventionReference, nil
	default:
		return 0, fmt.Errorf("unknown threshold convention '%s' (want signed or reference)", name)
	}
}

// String returns the configuration name of the convention
func (c Convention) String() string {
	switch c {
	case ConventionSigned:
		return "signed"
	case ConventionReference:
		return "reference"
	default:
		return fmt.Sprintf("Convention(%d)", int(c))
	}
}

// ClampThreshold narrows a configured threshold into the signed 8-bit range
// the comparison runs in: clamp to [-128, 127], then truncate toward zero.
// NaN maps to 0.
func ClampThreshold(threshold float64) int8 {
	switch {
	case math.IsNaN(threshold):
		return 0
	case threshold <= math.MinInt8:
		return math.MinInt8
	case threshold >= math.MaxInt8:
		return math.MaxInt8
	default:
		return int8(math.Trunc(threshold))
	}
}

// Level returns the decibel level of one signed 8-bit sample under the given
// convention. The byte is read as two's complement, so silence sits at 0 and
// 0x80 is full scale. A zero sample yields -Inf (signed) or +Inf (reference).
func Level(sample byte, convention Convention) float64 {
	amplitude := math.Abs(float64(int8(sample)))
	db := 20 * math.Log10(amplitude/fullScale)
	if convention == ConventionReference {
		return math.Abs(db)
	}
	return db
}

// Classifier decides whether a single sample is silent
type Classifier struct {
	threshold  int8
	convention Convention
}

// NewClassifier creates a classifier for a configured decibel threshold
func NewClassifier(threshold float64, convention Convention) Classifier {
	return Classifier{
		threshold:  ClampThreshold(threshold),
		convention: convention,
	}
}

// Threshold returns the effective (clamped, truncated) threshold
func (c Classifier) Threshold() int8 {
	return c.threshold
}

// Convention returns the comparison convention in use
func (c Classifier) Convention() Convention {
	return c.convention
}

// IsSilent reports whether the sample's level is below the threshold
func (c Classifier) IsSilent(sample byte) bool {
	return Level(sample, c.convention) < float64(c.threshold)
}

// Count classifies every sample of the window
func (c Classifier) Count(window []byte) (silent, nonSilent int) {
	// 256 possible byte values; classify each once
	var table [256]bool
	for v := range table {
		table[v] = c.IsSilent(byte(v))
	}

	for _, sample := range window {
		if table[sample] {
			silent++
		} else {
			nonSilent++
		}
	}
	return silent, nonSilent
}

// CanEverBeSilent reports whether any byte value classifies as silent. It is
// false for the reference convention with a non-positive threshold, in which
// case a recording can only end through the session size bound.
func (c Classifier) CanEverBeSilent() bool {
	for v := 0; v < 256; v++ {
		if c.IsSilent(byte(v)) {
			return true
		}
	}
	return false
}
