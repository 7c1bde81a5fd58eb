package task

import "testing"

func TestDisplayState(t *testing.T) {
	cases := map[State]string{
		Queued:     "Queued",
		Executing:  "Executing",
		Terminated: "Terminated",
	}
	for in, want := range cases {
		if got := DisplayState(in); got != want {
			t.Errorf("DisplayState(%q) = %q, want %q", in, got, want)
		}
	}
}
