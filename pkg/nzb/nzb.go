// Package nzb parses NZB XML into the segment lists a FetchPlan is built
// from. Everything about which file within an NZB is "the" content
// (archive traversal, release-name parsing) is the importer/unpack
// layer's job and lives outside this module; this package only exposes
// the raw file/segment structure.
package nzb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"io"
	"os"

	"golang.org/x/net/html/charset"
)

// NZB is the parsed contents of an .nzb file.
type NZB struct {
	XMLName xml.Name `xml:"nzb"`
	Head    Head     `xml:"head"`
	Files   []File   `xml:"file"`
}

type Head struct {
	Meta []Meta `xml:"meta"`
}

type Meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// File is one posted file within an NZB: an ordered list of article segments.
type File struct {
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Subject  string    `xml:"subject,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

// Segment is one article within a File. Bytes is the declared encoded size
// as posted, not the decoded size a SegmentFetcher will return.
type Segment struct {
	Bytes  int64  `xml:"bytes,attr"`
	Number int    `xml:"number,attr"`
	ID     string `xml:",chardata"`
}

// Parse decodes NZB XML from r. Indexers post NZBs in varying charsets;
// CharsetReader lets the decoder handle non-UTF-8 documents.
func Parse(r io.Reader) (*NZB, error) {
	var n NZB
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	if err := decoder.Decode(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ParseFile reads and parses an NZB file from disk.
func ParseFile(path string) (*NZB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Hash returns a short stable identifier for the NZB, derived from its
// first file's subject line. Used by callers keying caches per NZB.
func (n *NZB) Hash() string {
	if len(n.Files) == 0 {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(n.Files[0].Subject))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// TotalSize returns the sum of declared (encoded) segment sizes across
// every file. Use File.TotalEncodedSize for a single file's size.
func (n *NZB) TotalSize() int64 {
	var total int64
	for _, file := range n.Files {
		total += file.TotalEncodedSize()
	}
	return total
}

// TotalEncodedSize returns the sum of declared segment sizes for this file.
func (f *File) TotalEncodedSize() int64 {
	var total int64
	for _, seg := range f.Segments {
		total += seg.Bytes
	}
	return total
}

// LargestFile returns the File with the most segments bytes, a reasonable
// default pick for single-file NZBs or ad hoc streaming of "the big one"
// without a full content-file classifier.
func (n *NZB) LargestFile() *File {
	var best *File
	var bestSize int64
	for i := range n.Files {
		if size := n.Files[i].TotalEncodedSize(); best == nil || size > bestSize {
			best = &n.Files[i]
			bestSize = size
		}
	}
	return best
}
