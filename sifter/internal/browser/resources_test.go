package browser

import "testing"

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "ping": true}
	cases := map[string]bool{
		"Image":      true,
		"Font":       true,
		"Media":      false,
		"Stylesheet": false,
		"Ping":       true,
		"Document":   false,
	}
	for typ, want := range cases {
		if got := shouldBlock(set, typ); got != want {
			t.Errorf("shouldBlock(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestManagerClosed(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Browser(t.Context()); err == nil {
		t.Fatal("closed manager should refuse to launch")
	}
}
