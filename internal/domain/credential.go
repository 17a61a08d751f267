package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Token is one named authentication token scoped to a domain and path.
type Token struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// CredentialRules control normalization of stored credential blobs.
type CredentialRules struct {
	// DefaultDomain applies to mapping entries without a domain.
	DefaultDomain string
	// Aliases duplicates tokens of a source domain under a target domain.
	Aliases map[string]string
}

// DefaultCredentialRules mirror the remote site: tokens issued for the account
// domain are also needed on the document domain.
func DefaultCredentialRules() CredentialRules {
	return CredentialRules{
		DefaultDomain: ".wps.cn",
		Aliases:       map[string]string{".wps.cn": ".kdocs.cn"},
	}
}

type tokenScope struct {
	Value  *string `json:"value"`
	Domain string  `json:"domain"`
	Path   string  `json:"path"`
}

// ParseCredential decodes a credential blob into a normalized token list.
//
// Accepted shapes:
//
//	{"rtk": {"value": "..", "domain": ".wps.cn", "path": "/"}, "uid": "123"}
//	[{"name": "rtk", "value": "..", "domain": ".wps.cn", "path": "/"}]
//
// Both shapes yield the same sorted list, alias duplicates included.
func ParseCredential(blob string, rules CredentialRules) ([]Token, error) {
	raw := bytes.TrimSpace([]byte(blob))
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedCredential)
	}

	var tokens []Token
	switch raw[0] {
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
		}
		for name, v := range m {
			tok, err := parseMappingEntry(name, v)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
		}
	case '[':
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
		}
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrMalformedCredential)
	}

	for i := range tokens {
		if strings.TrimSpace(tokens[i].Name) == "" {
			return nil, fmt.Errorf("%w: token without name", ErrMalformedCredential)
		}
		if tokens[i].Domain == "" {
			tokens[i].Domain = rules.DefaultDomain
		}
		if tokens[i].Path == "" {
			tokens[i].Path = "/"
		}
	}
	return normalizeTokens(tokens, rules), nil
}

func parseMappingEntry(name string, v json.RawMessage) (Token, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return Token{}, fmt.Errorf("%w: token %q has no value", ErrMalformedCredential, name)
	}
	switch v[0] {
	case '{':
		var sc tokenScope
		if err := json.Unmarshal(v, &sc); err != nil {
			return Token{}, fmt.Errorf("%w: token %q: %v", ErrMalformedCredential, name, err)
		}
		tok := Token{Name: name, Domain: sc.Domain, Path: sc.Path}
		if sc.Value != nil {
			tok.Value = *sc.Value
		}
		return tok, nil
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Token{}, fmt.Errorf("%w: token %q: %v", ErrMalformedCredential, name, err)
		}
		return Token{Name: name, Value: s}, nil
	case '[':
		return Token{}, fmt.Errorf("%w: token %q: unexpected array", ErrMalformedCredential, name)
	default:
		// numbers and booleans are kept as their literal text
		return Token{Name: name, Value: string(v)}, nil
	}
}

// normalizeTokens sorts, removes exact scope duplicates and appends alias copies.
func normalizeTokens(in []Token, rules CredentialRules) []Token {
	type key struct{ name, domain, path string }
	seen := make(map[key]struct{}, len(in)*2)
	out := make([]Token, 0, len(in)*2)

	add := func(t Token) {
		k := key{t.Name, t.Domain, t.Path}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}

	for _, t := range in {
		add(t)
	}
	for _, t := range in {
		if target, ok := rules.Aliases[t.Domain]; ok && target != "" {
			cp := t
			cp.Domain = target
			add(cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// EncodeCredential stores tokens in mapping form, one scope per name. When a
// name appears under several domains the one on rules.DefaultDomain wins, then
// one on an alias source, then the first in input order.
func EncodeCredential(tokens []Token, rules CredentialRules) (string, error) {
	rank := func(domain string) int {
		switch {
		case domain == rules.DefaultDomain:
			return 0
		case rules.Aliases[domain] != "":
			return 1
		default:
			return 2
		}
	}
	m := make(map[string]tokenScope, len(tokens))
	ranks := make(map[string]int, len(tokens))
	for _, t := range tokens {
		r := rank(t.Domain)
		if prev, ok := ranks[t.Name]; ok && prev <= r {
			continue
		}
		ranks[t.Name] = r
		v := t.Value
		m[t.Name] = tokenScope{Value: &v, Domain: t.Domain, Path: t.Path}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Lookup returns the value of the first token with the given name.
func Lookup(tokens []Token, name string) (string, bool) {
	for _, t := range tokens {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// HasAny reports whether at least one of names is present with a value.
func HasAny(tokens []Token, names []string) bool {
	for _, n := range names {
		if v, ok := Lookup(tokens, n); ok && v != "" {
			return true
		}
	}
	return false
}
