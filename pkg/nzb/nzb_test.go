package nzb_test

import (
	"strings"
	"testing"

	"streamcore/pkg/nzb"
)

const sampleNzb = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE nzb PUBLIC "-//newzBin//DTD NZB 1.1//EN" "http://www.newzbin.com/DTD/nzb/nzb-1.1.dtd">
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
<head>
<meta type="category">TV</meta>
</head>
<file poster="poster@example.com" date="1700000000" subject="[1/2] &quot;big.file.mkv&quot; yEnc (1/20)">
<groups><group>alt.binaries.test</group></groups>
<segments>
<segment bytes="500000" number="1">part1@example.com</segment>
<segment bytes="500000" number="2">part2@example.com</segment>
</segments>
</file>
<file poster="poster@example.com" date="1700000000" subject="[2/2] &quot;small.nfo&quot; yEnc (1/1)">
<groups><group>alt.binaries.test</group></groups>
<segments>
<segment bytes="1000" number="1">nfo1@example.com</segment>
</segments>
</file>
</nzb>
`

func TestParseAndHash(t *testing.T) {
	doc, err := nzb.Parse(strings.NewReader(sampleNzb))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(doc.Files))
	}
	if len(doc.Files[0].Segments) != 2 {
		t.Fatalf("expected 2 segments in first file, got %d", len(doc.Files[0].Segments))
	}
	if doc.Files[0].Segments[0].ID != "part1@example.com" {
		t.Fatalf("unexpected segment id: %q", doc.Files[0].Segments[0].ID)
	}

	h1 := doc.Hash()
	h2 := doc.Hash()
	if h1 != h2 || h1 == "" {
		t.Fatalf("Hash must be stable and non-empty, got %q", h1)
	}
}

func TestTotalSizeAndLargestFile(t *testing.T) {
	doc, err := nzb.Parse(strings.NewReader(sampleNzb))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := doc.TotalSize(); got != 1_001_000 {
		t.Fatalf("expected total size 1001000, got %d", got)
	}
	largest := doc.LargestFile()
	if largest == nil || !strings.Contains(largest.Subject, "big.file.mkv") {
		t.Fatalf("expected largest file to be big.file.mkv, got %+v", largest)
	}
}
