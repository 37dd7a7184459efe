// Package pghba models a PostgreSQL host-based authentication file as an
// ordered list of lines. Rules are matched first-match-wins, so the position
// of a rule relative to broader rules decides whether it ever applies.
package pghba

import (
	"fmt"
	"net/netip"
	"strings"
)

// Auth methods accepted for synthesized rules.
const (
	MethodTrust       = "trust"
	MethodMD5         = "md5"
	MethodScramSHA256 = "scram-sha-256"
	MethodPassword    = "password"
)

// LocalConnectionsMarker is the stock comment that introduces the IPv4 host
// rules in a default pg_hba.conf.
const LocalConnectionsMarker = "# IPv4 local connections:"

// ManagedComment heads the block of rules written by the reconciler.
const ManagedComment = "# Container network access (managed by codeb)"

// LineKind classifies a line of the file.
type LineKind int

const (
	KindBlank LineKind = iota
	KindComment
	KindRule
	// KindOther covers include directives and anything unparseable. Such
	// lines are preserved verbatim.
	KindOther
)

// Rule is one parsed authentication record.
type Rule struct {
	Type     string
	Database string
	User     string
	// Address is empty for local rules. It holds a CIDR, a bare address
	// (paired with Mask), a hostname or a keyword such as "all".
	Address string
	Mask    string
	Method  string
	Options []string
}

// Line is a single line of the file. Raw is kept so untouched lines
// round-trip byte for byte.
type Line struct {
	Kind LineKind
	Raw  string
	Rule *Rule
}

// RuleSet is an ordered pg_hba file.
type RuleSet struct {
	Lines []Line

	trailingNewline bool
}

// Parse splits text into typed lines.
func Parse(text string) *RuleSet {
	rs := &RuleSet{trailingNewline: strings.HasSuffix(text, "\n")}
	if text == "" {
		return rs
	}

	body := strings.TrimSuffix(text, "\n")
	for _, raw := range strings.Split(body, "\n") {
		rs.Lines = append(rs.Lines, parseLine(strings.TrimSuffix(raw, "\r")))
	}
	return rs
}

func parseLine(raw string) Line {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return Line{Kind: KindBlank, Raw: raw}
	case strings.HasPrefix(trimmed, "#"):
		return Line{Kind: KindComment, Raw: raw}
	}

	// Inline comments end the record.
	if i := strings.Index(trimmed, "#"); i >= 0 {
		trimmed = trimmed[:i]
	}

	rule, ok := parseRule(strings.Fields(trimmed))
	if !ok {
		return Line{Kind: KindOther, Raw: raw}
	}
	return Line{Kind: KindRule, Raw: raw, Rule: rule}
}

func parseRule(fields []string) (*Rule, bool) {
	if len(fields) < 4 {
		return nil, false
	}

	rule := &Rule{Type: fields[0], Database: fields[1], User: fields[2]}

	switch rule.Type {
	case "local":
		rule.Method = fields[3]
		rule.Options = fields[4:]
	case "host", "hostssl", "hostnossl", "hostgssenc", "hostnogssenc":
		if len(fields) < 5 {
			return nil, false
		}
		rule.Address = fields[3]
		rest := fields[4:]
		// address mask form: 192.168.0.0 255.255.0.0
		if !strings.Contains(rule.Address, "/") && len(rest) >= 2 {
			if _, err := netip.ParseAddr(rest[0]); err == nil {
				if _, err := netip.ParseAddr(rule.Address); err == nil {
					rule.Mask = rest[0]
					rest = rest[1:]
				}
			}
		}
		rule.Method = rest[0]
		rule.Options = rest[1:]
	default:
		return nil, false
	}

	return rule, true
}

// String renders the rule in canonical single-space form.
func (r *Rule) String() string {
	parts := []string{r.Type, r.Database, r.User}
	if r.Address != "" {
		parts = append(parts, r.Address)
	}
	if r.Mask != "" {
		parts = append(parts, r.Mask)
	}
	parts = append(parts, r.Method)
	parts = append(parts, r.Options...)
	return strings.Join(parts, " ")
}

// IsHost reports whether the rule matches TCP/IP connections.
func (r *Rule) IsHost() bool {
	return strings.HasPrefix(r.Type, "host")
}

// Prefix returns the rule's network as a canonical prefix. Keywords and
// hostnames report false.
func (r *Rule) Prefix() (netip.Prefix, bool) {
	if !r.IsHost() {
		return netip.Prefix{}, false
	}

	if r.Mask != "" {
		addr, err := netip.ParseAddr(r.Address)
		if err != nil {
			return netip.Prefix{}, false
		}
		bits, ok := maskBits(r.Mask)
		if !ok {
			return netip.Prefix{}, false
		}
		p, err := addr.Prefix(bits)
		return p, err == nil
	}

	p, err := ParseNetwork(r.Address)
	return p, err == nil
}

// CoversAllUsers reports whether the rule is a plain "host all all" rule,
// the form that admits every database and role over TCP/IP. Replication
// connections and hostssl-only rules do not qualify.
func (r *Rule) CoversAllUsers() bool {
	return r.Type == "host" && r.Database == "all" && r.User == "all"
}

// MatchesAnyAddress reports whether the rule applies to every source address.
func (r *Rule) MatchesAnyAddress() bool {
	if !r.IsHost() {
		return false
	}
	if r.Address == "all" {
		return true
	}
	p, ok := r.Prefix()
	return ok && p.Bits() == 0
}

// IsCatchAll reports whether the rule matches every network with an auth
// method stronger than trust. Such a rule masks any later, narrower rule.
func (r *Rule) IsCatchAll() bool {
	return r.MatchesAnyAddress() && r.Method != MethodTrust
}

// ParseNetwork parses a CIDR or a bare address into a masked prefix.
func ParseNetwork(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network %q", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func maskBits(mask string) (int, bool) {
	addr, err := netip.ParseAddr(mask)
	if err != nil {
		return 0, false
	}

	bits := 0
	seenZero := false
	for _, b := range addr.AsSlice() {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) != 0 {
				if seenZero {
					return 0, false
				}
				bits++
			} else {
				seenZero = true
			}
		}
	}
	return bits, true
}

// NewHostRule synthesizes "host all all <network> <method>".
func NewHostRule(network netip.Prefix, method string) Line {
	rule := &Rule{
		Type:     "host",
		Database: "all",
		User:     "all",
		Address:  network.String(),
		Method:   method,
	}
	return Line{Kind: KindRule, Raw: rule.String(), Rule: rule}
}

// NewComment returns a comment line.
func NewComment(text string) Line {
	return Line{Kind: KindComment, Raw: text}
}

// String renders the file. Unmodified lines are emitted exactly as parsed.
func (rs *RuleSet) String() string {
	var b strings.Builder
	for i, line := range rs.Lines {
		b.WriteString(line.Raw)
		if i < len(rs.Lines)-1 || rs.trailingNewline {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Rules returns the indexes of all rule lines in order.
func (rs *RuleSet) Rules() []int {
	var idx []int
	for i, line := range rs.Lines {
		if line.Kind == KindRule {
			idx = append(idx, i)
		}
	}
	return idx
}

// FirstRule returns the index of the first rule line or -1.
func (rs *RuleSet) FirstRule() int {
	for i, line := range rs.Lines {
		if line.Kind == KindRule {
			return i
		}
	}
	return -1
}

// FirstCatchAll returns the index of the first catch-all rule or -1.
func (rs *RuleSet) FirstCatchAll() int {
	for i, line := range rs.Lines {
		if line.Kind == KindRule && line.Rule.IsCatchAll() {
			return i
		}
	}
	return -1
}

// IndexOfNetwork returns the first "host all all" rule whose network equals
// p, or -1. Narrower rules for the same network do not count.
func (rs *RuleSet) IndexOfNetwork(p netip.Prefix) int {
	for i, line := range rs.Lines {
		if line.Kind != KindRule || !line.Rule.CoversAllUsers() {
			continue
		}
		if rp, ok := line.Rule.Prefix(); ok && rp == p {
			return i
		}
	}
	return -1
}

// IndexOfComment returns the first comment line whose trimmed text starts
// with marker, or -1.
func (rs *RuleSet) IndexOfComment(marker string) int {
	for i, line := range rs.Lines {
		if line.Kind == KindComment && strings.HasPrefix(strings.TrimSpace(line.Raw), marker) {
			return i
		}
	}
	return -1
}

// Grants reports whether every network already has a rule with method that
// is evaluated before the first catch-all rule.
func (rs *RuleSet) Grants(networks []netip.Prefix, method string) bool {
	catchAll := rs.FirstCatchAll()
	for _, p := range networks {
		idx := rs.IndexOfNetwork(p)
		if idx < 0 {
			return false
		}
		if rs.Lines[idx].Rule.Method != method {
			return false
		}
		if catchAll >= 0 && idx > catchAll {
			return false
		}
	}
	return true
}

// RemoveNetworks drops every rule referencing one of networks together with
// any previously written managed block, including the blank line that
// closes it. It returns the number of lines removed.
func (rs *RuleSet) RemoveNetworks(networks []netip.Prefix) int {
	want := make(map[netip.Prefix]bool, len(networks))
	for _, p := range networks {
		want[p] = true
	}

	kept := rs.Lines[:0:0]
	removed := 0
	inBlock := false
	for _, line := range rs.Lines {
		drop := false
		switch line.Kind {
		case KindRule:
			if p, ok := line.Rule.Prefix(); ok && want[p] {
				drop = true
			}
		case KindComment:
			if strings.TrimSpace(line.Raw) == ManagedComment {
				drop = true
				inBlock = true
			}
		case KindBlank:
			drop = inBlock
		}
		if drop {
			if line.Kind == KindBlank {
				inBlock = false
			}
			removed++
			continue
		}
		inBlock = false
		kept = append(kept, line)
	}
	rs.Lines = kept
	return removed
}

// InsertionPoint returns where a block of trusted-network rules belongs:
// before the local-connections marker, or before the first rule when the
// marker is missing, and in any case no later than the first catch-all.
// Leading header comments are never displaced. The result is 0 only when
// the file opens with a rule or is empty.
func (rs *RuleSet) InsertionPoint() int {
	idx := rs.IndexOfComment(LocalConnectionsMarker)
	if idx < 0 {
		idx = rs.FirstRule()
	}
	if idx < 0 {
		idx = len(rs.Lines)
	}
	if c := rs.FirstCatchAll(); c >= 0 && c < idx {
		idx = c
	}
	return idx
}

// Insert places lines before index i.
func (rs *RuleSet) Insert(i int, lines ...Line) {
	if i < 0 {
		i = 0
	}
	if i > len(rs.Lines) {
		i = len(rs.Lines)
	}
	out := make([]Line, 0, len(rs.Lines)+len(lines))
	out = append(out, rs.Lines[:i]...)
	out = append(out, lines...)
	out = append(out, rs.Lines[i:]...)
	rs.Lines = out
	if len(rs.Lines) > 0 {
		rs.trailingNewline = true
	}
}

// EnsureNetworks rewrites the set so each network is granted method ahead of
// any catch-all rule. It reports whether anything changed.
func (rs *RuleSet) EnsureNetworks(networks []netip.Prefix, method string) bool {
	if rs.Grants(networks, method) {
		return false
	}

	rs.RemoveNetworks(networks)

	block := []Line{NewComment(ManagedComment)}
	for _, p := range networks {
		block = append(block, NewHostRule(p, method))
	}
	block = append(block, Line{Kind: KindBlank})

	rs.Insert(rs.InsertionPoint(), block...)
	return true
}

// Violations lists networks whose rule is missing or evaluated after the
// first catch-all rule.
func (rs *RuleSet) Violations(networks []netip.Prefix) []netip.Prefix {
	catchAll := rs.FirstCatchAll()
	var bad []netip.Prefix
	for _, p := range networks {
		idx := rs.IndexOfNetwork(p)
		if idx < 0 || (catchAll >= 0 && idx > catchAll) {
			bad = append(bad, p)
		}
	}
	return bad
}
