package textutil

import "testing"

func TestNormalizeCaption(t *testing.T) {
	decomposed := "café  \n au   lait"
	if got := NormalizeCaption(decomposed); got != "café au lait" {
		t.Fatalf("NormalizeCaption = %q", got)
	}
}

func TestTitleCase(t *testing.T) {
	cases := map[string]string{
		`"introduction to cardiology"`: "Introduction To Cardiology",
		"  renal physiology.  ":        "Renal Physiology",
		"**":                           "",
	}
	for in, want := range cases {
		if got := TitleCase(in); got != want {
			t.Fatalf("TitleCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinCaptionsSkipsBlanks(t *testing.T) {
	if got := JoinCaptions([]string{"one", "  ", "two\tthree"}); got != "one two three" {
		t.Fatalf("JoinCaptions = %q", got)
	}
}

func TestSanitizeHelpers(t *testing.T) {
	if got := SanitizeFileName(" Cardio: Part 1/2? "); got != "Cardio- Part 1-2" {
		t.Fatalf("SanitizeFileName = %q", got)
	}
	if got := SanitizeToken("User 42!"); got != "user_42" {
		t.Fatalf("SanitizeToken = %q", got)
	}
	if got := SanitizeToken("!!"); got != "unknown" {
		t.Fatalf("SanitizeToken(!!) = %q", got)
	}
}

func TestSanitizeTokenFoldsAccents(t *testing.T) {
	if got := SanitizeToken("Zoë  O'Brien"); got != "zoe_o_brien" {
		t.Fatalf("SanitizeToken = %q", got)
	}
	if got := SanitizeToken("u1"); got != "u1" {
		t.Fatalf("SanitizeToken(u1) = %q", got)
	}
}
