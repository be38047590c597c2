package quality

import "testing"

func goodFace() Face {
	return Face{
		X1: 100, Y1: 80, X2: 420, Y2: 440,
		FrameWidth: 640, FrameHeight: 480,
		Yaw: 2.0, Pitch: 1.0, Roll: 0.5,
		LeftEyeOpen: 0.95, RightEyeOpen: 0.95,
		Confidence: 0.98, Smile: 0.4,
	}
}

func TestValidateAcceptsGoodFace(t *testing.T) {
	if err := Validate(goodFace()); err != nil {
		t.Fatalf("good face rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Face)
	}{
		{"yaw over limit", func(f *Face) { f.Yaw = 31 }},
		{"negative yaw over limit", func(f *Face) { f.Yaw = -31 }},
		{"roll over limit", func(f *Face) { f.Roll = 21 }},
		{"pitch over limit", func(f *Face) { f.Pitch = -21 }},
		{"left eye closed", func(f *Face) { f.LeftEyeOpen = 0.3 }},
		{"right eye closed", func(f *Face) { f.RightEyeOpen = 0.49 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := goodFace()
			tt.mutate(&f)
			err := Validate(f)
			if err == nil {
				t.Fatal("expected rejection, got nil")
			}
			if _, ok := err.(*RejectionError); !ok {
				t.Fatalf("err type = %T, want *RejectionError", err)
			}
		})
	}
}

func TestValidateBoundariesAccepted(t *testing.T) {
	f := goodFace()
	f.Yaw = MaxYaw
	f.Roll = MaxRoll
	f.Pitch = MaxPitch
	f.LeftEyeOpen = MinEye
	f.RightEyeOpen = MinEye
	if err := Validate(f); err != nil {
		t.Fatalf("boundary face rejected: %v", err)
	}
}

func TestScoreRange(t *testing.T) {
	good := Score(goodFace())
	if good < 0 || good > 1 {
		t.Fatalf("score %f out of [0,1]", good)
	}
	if good < AutoCaptureThreshold {
		t.Fatalf("well-posed face score = %f, want >= %f", good, AutoCaptureThreshold)
	}
}

func TestScorePenalizesPoorSignals(t *testing.T) {
	base := Score(goodFace())

	turned := goodFace()
	turned.Yaw = 25
	turned.Pitch = 15
	if got := Score(turned); got >= base {
		t.Fatalf("turned head score %f, want < %f", got, base)
	}

	sleepy := goodFace()
	sleepy.LeftEyeOpen = 0.55
	sleepy.RightEyeOpen = 0.55
	if got := Score(sleepy); got >= base {
		t.Fatalf("half-closed eyes score %f, want < %f", got, base)
	}

	distant := goodFace()
	distant.X2 = distant.X1 + 40
	distant.Y2 = distant.Y1 + 40
	if got := Score(distant); got >= base {
		t.Fatalf("tiny face score %f, want < %f", got, base)
	}
}

func TestScoreZeroFrame(t *testing.T) {
	f := goodFace()
	f.FrameWidth = 0
	got := Score(f)
	if got < 0 || got > 1 {
		t.Fatalf("score %f out of [0,1]", got)
	}
}
