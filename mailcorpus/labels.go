package mailcorpus

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/log"
	"github.com/pkg/errors"
)

// predefined labels
const (
	LabelDeleted byte = '0'
	LabelSent    byte = '1'
	LabelDraft   byte = '2'
	LabelRead    byte = '3'
	LabelJunk    byte = '9'
)

// FilteredLabels are hidden by DefaultFilter
const FilteredLabels = "019"

func isLabelChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// NormalizeLabels returns labels sorted and without duplicates.
// Returns dberr.ErrFormat if a label is not in [0-9A-Za-z].
func NormalizeLabels(labels string) (string, error) {
	seen := map[byte]struct{}{}
	for i := 0; i < len(labels); i++ {
		c := labels[i]
		if !isLabelChar(c) {
			return "", errors.Wrapf(dberr.ErrFormat, "invalid labels: '%s'", labels)
		}
		seen[c] = struct{}{}
	}
	res := slices.Collect(maps.Keys(seen))
	slices.Sort(res)
	return string(res), nil
}

// EncodeName returns header name of record id with labels:
// 8 hex digits of id, '.', sorted labels
func EncodeName(id int, labels string) (string, error) {
	labels, err := NormalizeLabels(labels)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08x.%s", id, labels), nil
}

var nameRx = regexp.MustCompile(`^([0-9a-f]{8})\.(.*)$`)

// DecodeName is the reverse of EncodeName
func DecodeName(name string) (int, string, error) {
	m := nameRx.FindStringSubmatch(name)
	if m == nil {
		return 0, "", errors.Wrapf(dberr.ErrFormat, "invalid record name: '%s'", name)
	}
	id, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, "", errors.Wrapf(dberr.ErrFormat, "invalid record name: '%s'", name)
	}
	return int(id), m[2], nil
}

func unionLabels(a, b string) string {
	s, _ := NormalizeLabels(a + b)
	return s
}

// labels in a that are not in b
func diffLabels(a, b string) string {
	var res []byte
	for i := 0; i < len(a); i++ {
		if strings.IndexByte(b, a[i]) < 0 {
			res = append(res, a[i])
		}
	}
	return string(res)
}

// Labels maps human-readable names to label chars
type Labels struct {
	byName  map[string]byte
	byLabel map[byte]string
}

// NewLabels returns predefined label names plus names, which map
// a name to a one-char label
func NewLabels(names map[string]string) (*Labels, error) {
	l := &Labels{
		byName:  map[string]byte{},
		byLabel: map[byte]string{},
	}
	l.add("deleted", LabelDeleted)
	l.add("sent", LabelSent)
	l.add("draft", LabelDraft)
	l.add("read", LabelRead)
	l.add("junk", LabelJunk)
	for name, label := range names {
		if len(label) != 1 || !isLabelChar(label[0]) {
			return nil, errors.Wrapf(dberr.ErrFormat, "label name '%s': invalid label '%s'", name, label)
		}
		l.add(name, label[0])
	}
	return l, nil
}

func (l *Labels) add(name string, label byte) {
	l.byName[name] = label
	l.byLabel[label] = name
}

// Resolve converts a name or a one-char label to a label
func (l *Labels) Resolve(name string) (byte, error) {
	s := strings.TrimSpace(name)
	if len(s) == 1 {
		if !isLabelChar(s[0]) {
			return 0, errors.Wrapf(dberr.ErrFormat, "invalid label: '%s'", name)
		}
		return s[0], nil
	}
	if label, ok := l.byName[s]; ok {
		return label, nil
	}
	return 0, errors.Wrapf(dberr.ErrFormat, "unknown label: '%s'", name)
}

// ResolveAll is like Resolve for many names but silently drops the
// names it can't resolve. Import of a batch of messages shouldn't fail
// because of one bad label.
func (l *Labels) ResolveAll(names []string) string {
	var res []byte
	for _, name := range names {
		label, err := l.Resolve(name)
		if err != nil {
			log.Verbosef("ResolveAll: ignoring %s\n", err)
			continue
		}
		res = append(res, label)
	}
	s, _ := NormalizeLabels(string(res))
	return s
}

// Name returns human-readable name of label or the label itself
func (l *Labels) Name(label byte) string {
	if name, ok := l.byLabel[label]; ok {
		return name
	}
	return string(label)
}

// Names returns names of labels, in order of labels
func (l *Labels) Names(labels string) []string {
	var res []string
	for i := 0; i < len(labels); i++ {
		res = append(res, l.Name(labels[i]))
	}
	return res
}
