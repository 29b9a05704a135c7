package smtp

import (
	"testing"
)

func TestParseMailFrom(t *testing.T) {
	cases := []struct {
		args    string
		ok      bool
		address string
		size    int64
		sizeErr bool
	}{
		{"from: <test@example.com> size=432445", true, "test@example.com", 432445, false},
		{"FROM:<test@example.com>", true, "test@example.com", -1, false},
		{"From:<test@example.com> SIZE=10", true, "test@example.com", 10, false},
		{"from:<>", true, "", -1, false},
		{"from: <test@example.com> size=432445768556", true, "test@example.com", 432445768556, false},
		{"from:<a@b> size=99999999999999999999999", true, "a@b", -1, true},
		{"from:<a@b> BODY=8BITMIME", true, "a@b", -1, false},
		{"from: test@example.com", false, "", 0, false},
		{"to:<test@example.com>", false, "", 0, false},
		{"", false, "", 0, false},
	}

	for _, c := range cases {
		mf, ok := ParseMailFrom(c.args)
		if ok != c.ok {
			t.Fatalf("ParseMailFrom(%q) ok = %v; want %v", c.args, ok, c.ok)
		}
		if !ok {
			continue
		}
		if mf.Address != c.address {
			t.Errorf("ParseMailFrom(%q) address = %q; want %q", c.args, mf.Address, c.address)
		}
		if (mf.SizeErr != nil) != c.sizeErr {
			t.Errorf("ParseMailFrom(%q) sizeErr = %v; want error %v", c.args, mf.SizeErr, c.sizeErr)
		}
		if !c.sizeErr && mf.Size != c.size {
			t.Errorf("ParseMailFrom(%q) size = %d; want %d", c.args, mf.Size, c.size)
		}
	}
}

func TestParseRcptTo(t *testing.T) {
	cases := []struct {
		args    string
		ok      bool
		address string
	}{
		{"to: <test@example.com>", true, "test@example.com"},
		{"TO:<test@example.com>", true, "test@example.com"},
		{"To:<postmaster>", true, "postmaster"},
		{"to:<>", false, ""},
		{"to: test@example.com", false, ""},
		{"from:<test@example.com>", false, ""},
	}

	for _, c := range cases {
		address, ok := ParseRcptTo(c.args)
		if ok != c.ok {
			t.Fatalf("ParseRcptTo(%q) ok = %v; want %v", c.args, ok, c.ok)
		}
		if address != c.address {
			t.Errorf("ParseRcptTo(%q) = %q; want %q", c.args, address, c.address)
		}
	}
}
