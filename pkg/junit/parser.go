package junit

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ethpandaops/flakeoor/pkg/fingerprint"
	"golang.org/x/text/encoding/htmlindex"
)

// Parser decodes JUnit XML reports.
type Parser struct {
	fileExtension string
}

// NewParser creates a Parser that derives file paths with the given
// extension. An empty extension falls back to DefaultFileExtension.
func NewParser(fileExtension string) *Parser {
	if fileExtension == "" {
		fileExtension = DefaultFileExtension
	}

	return &Parser{fileExtension: fileExtension}
}

var defaultParser = NewParser(DefaultFileExtension)

// ParseReport decodes data with the default parser.
func ParseReport(data []byte) ([]NormalizedExecution, error) {
	return defaultParser.Parse(data)
}

// node is a generic XML element. Reports nest testcase elements under any
// number of testsuite/testsuites wrappers, so the tree is walked rather than
// bound to a fixed schema.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}

	return "", false
}

func (n *node) child(name string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}

	return nil
}

// Parse decodes data into normalized executions in document order. The
// whole document must be well-formed; otherwise ErrMalformedReport is
// returned and no records are produced.
func (p *Parser) Parse(data []byte) ([]NormalizedExecution, error) {
	root, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}

	var records []NormalizedExecution

	walk(root, func(n *node) {
		if n.XMLName.Local == "testcase" {
			records = append(records, p.normalize(n))
		}
	})

	return records, nil
}

func decodeDocument(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader

	var root node
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no root element")
		}

		return nil, err
	}

	// Only comments, processing instructions and whitespace may follow
	// the root element.
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return &root, nil
		}

		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.Comment, xml.ProcInst:
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, errors.New("content after root element")
			}
		default:
			return nil, errors.New("content after root element")
		}
	}
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}

	return enc.NewDecoder().Reader(input), nil
}

// walk visits n and its descendants in document order.
func walk(n *node, visit func(*node)) {
	visit(n)

	for i := range n.Children {
		walk(&n.Children[i], visit)
	}
}

func (p *Parser) normalize(tc *node) NormalizedExecution {
	classname, _ := tc.attr("classname")
	name, _ := tc.attr("name")

	rec := NormalizedExecution{
		IdentityKey: IdentityKey(classname, name),
		Outcome:     OutcomePassed,
	}

	if rec.IdentityKey == "" {
		rec.IdentityKey = UnnamedIdentityKey
	}

	if classname != "" {
		suite, _, _ := strings.Cut(classname, ".")
		filePath := strings.ReplaceAll(classname, ".", "/") + p.fileExtension

		rec.Suite = &suite
		rec.FilePath = &filePath
	}

	if raw, ok := tc.attr("time"); ok {
		// Unparsable durations are recorded as absent.
		if d, err := ParseDuration(raw); err == nil {
			rec.DurationSec = d
		}
	}

	var detail *node

	if skipped := tc.child("skipped"); skipped != nil {
		rec.Outcome = OutcomeSkipped
		detail = skipped
	} else if failure := tc.child("failure"); failure != nil {
		rec.Outcome = OutcomeFailed
		rec.FailureKind = ptr(FailureKindFailure)
		detail = failure
	} else if errNode := tc.child("error"); errNode != nil {
		rec.Outcome = OutcomeError
		rec.FailureKind = ptr(FailureKindError)
		detail = errNode
	}

	if detail != nil {
		if msg := detailMessage(detail); msg != "" {
			fp := fingerprint.Fingerprint(msg)

			rec.ErrorMessage = &msg
			rec.ErrorFingerprint = &fp
		}
	}

	return rec
}

// IdentityKey joins classname and name with "::" and strips any leading or
// trailing ':' separators left by empty parts.
func IdentityKey(classname, name string) string {
	return strings.Trim(classname+"::"+name, ":")
}

func detailMessage(n *node) string {
	if msg, ok := n.attr("message"); ok && msg != "" {
		return msg
	}

	return strings.TrimSpace(n.Text)
}

// ParseDuration parses a time attribute as seconds. Empty values yield
// (nil, nil); anything else that is not a finite number yields
// ErrMalformedAttribute.
func ParseDuration(raw string) (*float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	// Some reporters emit thousands separators, e.g. "1,234.5".
	s = strings.ReplaceAll(s, ",", "")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: time=%q", ErrMalformedAttribute, raw)
	}

	return &v, nil
}

func ptr[T any](v T) *T {
	return &v
}
