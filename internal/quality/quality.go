package quality

import (
	"fmt"
	"math"
)

// Pose and eye limits beyond which a capture is unusable for matching.
const (
	MaxYaw   = 30.0
	MaxRoll  = 20.0
	MaxPitch = 20.0
	MinEye   = 0.5
)

// AutoCaptureThreshold is the minimum composite score for a face to be
// auto-captured without operator intervention.
const AutoCaptureThreshold = 0.8

// Score component weights. Tunable, not contractual.
const (
	sizeWeight      = 0.30
	alignWeight     = 0.35
	eyeWeight       = 0.25
	expressionBonus = 0.10

	idealSizeMin = 0.2
	idealSizeMax = 0.5
)

// Face is a transient detected face: bounding box within a frame plus
// the pose and eye signals the detector reports. It exists only for the
// duration of the detect→embed→match pipeline.
type Face struct {
	X1, Y1, X2, Y2 int
	FrameWidth     int
	FrameHeight    int

	Yaw   float64
	Pitch float64
	Roll  float64

	LeftEyeOpen  float64
	RightEyeOpen float64

	Confidence float64
	Smile      float64
}

// RejectionError names the check a face failed.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "face rejected: " + e.Reason }

// Validate gates a detected face before any embedding work is spent on
// it. Misaligned or eyes-closed faces produce low-quality comparisons
// and are rejected up front.
func Validate(f Face) error {
	switch {
	case math.Abs(f.Yaw) > MaxYaw:
		return &RejectionError{Reason: fmt.Sprintf("yaw %.1f exceeds %.0f", f.Yaw, MaxYaw)}
	case math.Abs(f.Roll) > MaxRoll:
		return &RejectionError{Reason: fmt.Sprintf("roll %.1f exceeds %.0f", f.Roll, MaxRoll)}
	case math.Abs(f.Pitch) > MaxPitch:
		return &RejectionError{Reason: fmt.Sprintf("pitch %.1f exceeds %.0f", f.Pitch, MaxPitch)}
	case f.LeftEyeOpen < MinEye || f.RightEyeOpen < MinEye:
		return &RejectionError{Reason: "eyes not sufficiently open"}
	}
	return nil
}

// Score produces a continuous 0..1 usability score combining face size
// relative to the frame, head alignment, eye openness, and a mild bonus
// for a natural expression. Used for auto-capture gating and for
// weighting during enrollment aggregation.
func Score(f Face) float64 {
	score := sizeWeight*sizeScore(f) +
		alignWeight*alignScore(f) +
		eyeWeight*eyeScore(f) +
		expressionBonus*expressionScore(f)
	return clamp01(score)
}

// sizeScore peaks when the face occupies the ideal share of the frame.
func sizeScore(f Face) float64 {
	if f.FrameWidth <= 0 || f.FrameHeight <= 0 {
		return 0
	}
	faceArea := float64((f.X2 - f.X1) * (f.Y2 - f.Y1))
	if faceArea <= 0 {
		return 0
	}
	ratio := faceArea / float64(f.FrameWidth*f.FrameHeight)
	switch {
	case ratio >= idealSizeMin && ratio <= idealSizeMax:
		return 1.0
	case ratio < idealSizeMin:
		return ratio / idealSizeMin
	default:
		// Oversized faces degrade toward zero as they fill the frame.
		over := (ratio - idealSizeMax) / (1.0 - idealSizeMax)
		return clamp01(1.0 - over)
	}
}

// alignScore is 1.0 for a perfectly frontal face and falls off linearly
// toward the rejection limits.
func alignScore(f Face) float64 {
	yaw := 1.0 - math.Abs(f.Yaw)/MaxYaw
	roll := 1.0 - math.Abs(f.Roll)/MaxRoll
	pitch := 1.0 - math.Abs(f.Pitch)/MaxPitch
	return clamp01((clamp01(yaw) + clamp01(roll) + clamp01(pitch)) / 3.0)
}

func eyeScore(f Face) float64 {
	return clamp01((f.LeftEyeOpen + f.RightEyeOpen) / 2.0)
}

// expressionScore rewards a mild natural smile; a flat or extreme
// expression earns no bonus.
func expressionScore(f Face) float64 {
	if f.Smile <= 0 {
		return 0
	}
	return clamp01(1.0 - math.Abs(f.Smile-0.4)/0.6)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
