package config

import (
	"bufio"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"

	version "github.com/aquasecurity/go-pep440-version"
	"github.com/cockroachdb/errors"

	"github.com/bigrig/bigrig/internal/dist"
)

var (
	reqName       = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*`)
	reqIdentifier = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	reqSpecifier  = regexp.MustCompile(`^(~=|===|==|!=|<=|>=|<|>)\s*([^\s,;()]+)$`)
	reqURLMarker  = regexp.MustCompile(`\s;`)
)

// Specifier is a single version clause such as ">=1.0".
type Specifier struct {
	Operator string
	Version  string
}

func (s Specifier) String() string {
	return s.Operator + s.Version
}

// Requirement is a parsed PEP 508 requirement specifier.
type Requirement struct {
	Name       string
	Extras     []string
	Specifiers []Specifier
	URL        string
	Marker     string

	compiled *version.Specifiers
}

// ParseRequirement parses one PEP 508 requirement line.
//
// Environment markers are kept verbatim and not evaluated.
func ParseRequirement(line string) (Requirement, error) {
	s := strings.TrimSpace(line)
	m := reqName.FindStringSubmatch(s)
	if m == nil {
		return Requirement{}, errors.Mark(errors.Newf("no project name in %q", line), ErrInvalidRequirement)
	}
	req := Requirement{Name: m[1]}
	rest := s[len(m[0]):]

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return Requirement{}, errors.Mark(errors.Newf("unterminated extras in %q", line), ErrInvalidRequirement)
		}
		for _, extra := range strings.Split(rest[1:end], ",") {
			extra = strings.TrimSpace(extra)
			if extra == "" {
				continue
			}
			if !reqIdentifier.MatchString(extra) {
				return Requirement{}, errors.Mark(errors.Newf("invalid extra %q in %q", extra, line), ErrInvalidRequirement)
			}
			req.Extras = append(req.Extras, extra)
		}
		rest = strings.TrimLeft(rest[end+1:], " \t")
	}

	var marker string
	hasMarker := false
	if strings.HasPrefix(rest, "@") {
		urlPart := rest[1:]
		// A URL may itself contain ';', so the marker needs whitespace before it.
		if loc := reqURLMarker.FindStringIndex(urlPart); loc != nil {
			marker, hasMarker = urlPart[loc[1]:], true
			urlPart = urlPart[:loc[0]]
		}
		req.URL = strings.TrimSpace(urlPart)
		if req.URL == "" || !strings.Contains(req.URL, ":") {
			return Requirement{}, errors.Mark(errors.Newf("invalid URL in %q", line), ErrInvalidRequirement)
		}
	} else {
		spec := rest
		if i := strings.Index(rest, ";"); i >= 0 {
			spec, marker, hasMarker = rest[:i], rest[i+1:], true
		}
		specs, err := parseSpecifiers(spec)
		if err != nil {
			return Requirement{}, errors.Mark(errors.Wrapf(err, "in %q", line), ErrInvalidRequirement)
		}
		req.Specifiers = specs
	}

	if hasMarker {
		req.Marker = strings.TrimSpace(marker)
		if req.Marker == "" {
			return Requirement{}, errors.Mark(errors.Newf("empty marker in %q", line), ErrInvalidRequirement)
		}
	}

	if err := req.compile(); err != nil {
		return Requirement{}, errors.Mark(errors.Wrapf(err, "in %q", line), ErrInvalidRequirement)
	}
	return req, nil
}

func parseSpecifiers(spec string) ([]Specifier, error) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "(") {
		if !strings.HasSuffix(spec, ")") {
			return nil, errors.New("unbalanced parenthesis")
		}
		spec = strings.TrimSpace(spec[1 : len(spec)-1])
	}
	if spec == "" {
		return nil, nil
	}

	var specs []Specifier
	for _, clause := range strings.Split(spec, ",") {
		m := reqSpecifier.FindStringSubmatch(strings.TrimSpace(clause))
		if m == nil {
			return nil, errors.Newf("invalid version specifier %q", strings.TrimSpace(clause))
		}
		specs = append(specs, Specifier{Operator: m[1], Version: m[2]})
	}
	return specs, nil
}

// compile checks every PEP 440 clause. Arbitrary equality ("===") is a
// string comparison and stays out of the compiled set.
func (r *Requirement) compile() error {
	var clauses []string
	for _, s := range r.Specifiers {
		if s.Operator == "===" {
			continue
		}
		clauses = append(clauses, s.String())
	}
	if len(clauses) == 0 {
		return nil
	}
	compiled, err := version.NewSpecifiers(strings.Join(clauses, ", "))
	if err != nil {
		return errors.Wrap(err, "version specifier")
	}
	r.compiled = &compiled
	return nil
}

// Key returns the normalized project name.
func (r Requirement) Key() string {
	return dist.NormalizeName(r.Name)
}

// Contains reports whether v satisfies the requirement's version clauses.
//
// Pre-releases only match when a clause names a pre-release itself.
func (r Requirement) Contains(v string) bool {
	for _, s := range r.Specifiers {
		if s.Operator == "===" && s.Version != v {
			return false
		}
	}

	parsed, err := version.Parse(v)
	if err != nil {
		// Legacy versions can only satisfy arbitrary equality.
		return len(r.Specifiers) > 0 && r.compiled == nil
	}
	if parsed.IsPreRelease() && !r.allowsPreReleases() {
		return false
	}
	if r.compiled == nil {
		return true
	}
	return r.compiled.Check(parsed)
}

func (r Requirement) allowsPreReleases() bool {
	for _, s := range r.Specifiers {
		if s.Operator == "===" {
			return true
		}
		if v, err := version.Parse(strings.TrimSuffix(s.Version, ".*")); err == nil && v.IsPreRelease() {
			return true
		}
	}
	return false
}

// String returns the canonical form: extras and clauses are sorted so that
// equivalent requirements compare equal.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)

	if len(r.Extras) > 0 {
		extras := append([]string(nil), r.Extras...)
		sort.Strings(extras)
		b.WriteString("[" + strings.Join(extras, ",") + "]")
	}

	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
		if r.Marker != "" {
			b.WriteString(" ")
		}
	} else if len(r.Specifiers) > 0 {
		clauses := make([]string, 0, len(r.Specifiers))
		for _, s := range r.Specifiers {
			clauses = append(clauses, s.String())
		}
		sort.Strings(clauses)
		b.WriteString(strings.Join(clauses, ","))
	}

	if r.Marker != "" {
		b.WriteString("; " + r.Marker)
	}
	return b.String()
}

// stripComment drops a trailing comment, a '#' that follows whitespace.
// A '#' inside a URL fragment is kept.
func stripComment(line string) string {
	for i := 1; i < len(line); i++ {
		if line[i] == '#' && unicode.IsSpace(rune(line[i-1])) {
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}

// MarshalYAML implements yaml.Marshaler.
func (r Requirement) MarshalYAML() (any, error) {
	return r.String(), nil
}

// ParseRequirements reads a package list: one requirement per line, blank
// lines and '#' comments ignored.
func ParseRequirements(r io.Reader) ([]Requirement, error) {
	var reqs []Requirement
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = stripComment(line)

		req, err := ParseRequirement(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}
