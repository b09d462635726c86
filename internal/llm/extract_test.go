package llm

import "testing"

func TestExtractRCodeFencedR(t *testing.T) {
	text := "Here is the script:\n```r\nlibrary(survival)\nx <- 1\n```\nDone."
	got := ExtractRCode(text)
	want := "library(survival)\nx <- 1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestExtractRCodeUppercaseFence(t *testing.T) {
	text := "```R\nx <- 2\n```"
	if got := ExtractRCode(text); got != "x <- 2" {
		t.Fatalf("got %q want %q", got, "x <- 2")
	}
}

func TestExtractRCodeBareFence(t *testing.T) {
	text := "```\ny <- 3\n```"
	if got := ExtractRCode(text); got != "y <- 3" {
		t.Fatalf("got %q want %q", got, "y <- 3")
	}
}

func TestExtractRCodeRawText(t *testing.T) {
	text := "x <- 1\nprint(x)"
	if got := ExtractRCode(text); got != text {
		t.Fatalf("got %q want %q", got, text)
	}
}

func TestExtractRCodeUnclosedFence(t *testing.T) {
	if got := ExtractRCode("```r\nx <- 1"); got != "" {
		t.Fatalf("got %q want empty", got)
	}
}

func TestExtractRCodeEmpty(t *testing.T) {
	if got := ExtractRCode("   \n  "); got != "" {
		t.Fatalf("got %q want empty", got)
	}
}
