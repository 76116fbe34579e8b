package threat

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// Escopos de uma categoria de assinatura
const (
	ScopeAll     = "all"
	ScopeHeaders = "headers"
)

// patternFile é o formato versionado do arquivo de assinaturas
type patternFile struct {
	Version    string                      `yaml:"version"`
	Signatures map[string]signatureSection `yaml:"signatures"`
	UserAgents struct {
		MinLength int      `yaml:"min_length"`
		Tools     []string `yaml:"tools"`
	} `yaml:"user_agents"`
}

type signatureSection struct {
	Scope          string   `yaml:"scope"`
	Patterns       []string `yaml:"patterns"`
	HeaderPatterns []string `yaml:"header_patterns"`
}

type category struct {
	name     string
	patterns []*regexp.Regexp
}

// PatternSet é a tabela compilada e imutável de assinaturas
type PatternSet struct {
	Version     string
	url         []category
	headers     []category
	uaMinLength int
	uaTools     []string
}

// ParsePatterns valida e compila uma tabela YAML
func ParsePatterns(data []byte) (*PatternSet, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid pattern file: %w", err)
	}
	if strings.TrimSpace(file.Version) == "" {
		return nil, fmt.Errorf("pattern file must declare a version")
	}
	if len(file.Signatures) == 0 {
		return nil, fmt.Errorf("pattern file %s has no signatures", file.Version)
	}

	set := &PatternSet{
		Version:     file.Version,
		uaMinLength: file.UserAgents.MinLength,
	}
	if set.uaMinLength <= 0 {
		set.uaMinLength = 10
	}
	for _, tool := range file.UserAgents.Tools {
		if tool = strings.ToLower(strings.TrimSpace(tool)); tool != "" {
			set.uaTools = append(set.uaTools, tool)
		}
	}

	names := make([]string, 0, len(file.Signatures))
	for name := range file.Signatures {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		section := file.Signatures[name]
		scope := strings.ToLower(strings.TrimSpace(section.Scope))
		if scope == "" {
			scope = ScopeAll
		}
		if scope != ScopeAll && scope != ScopeHeaders {
			return nil, fmt.Errorf("signature %s: unknown scope %q", name, section.Scope)
		}

		base, err := compileAll(name, section.Patterns)
		if err != nil {
			return nil, err
		}
		headerOnly, err := compileAll(name, section.HeaderPatterns)
		if err != nil {
			return nil, err
		}

		if scope == ScopeAll && len(base) > 0 {
			set.url = append(set.url, category{name: name, patterns: base})
		}
		if headerPatterns := append(base, headerOnly...); len(headerPatterns) > 0 {
			set.headers = append(set.headers, category{name: name, patterns: headerPatterns})
		}
	}

	return set, nil
}

func compileAll(name string, raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, expr := range raw {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("signature %s: invalid pattern %q: %w", name, expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// DefaultPatterns retorna a tabela embutida no binário
func DefaultPatterns() *PatternSet {
	set, err := ParsePatterns(defaultPatternsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded threat patterns are invalid: %v", err))
	}
	return set
}

// LoadPatternFile lê e compila uma tabela externa
func LoadPatternFile(path string) (*PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}
	return ParsePatterns(data)
}

// MatchURL retorna as categorias com ao menos uma assinatura no alvo
func (p *PatternSet) MatchURL(target string) []string {
	return matchCategories(p.url, target)
}

// MatchHeaders avalia os valores de todos os headers
func (p *PatternSet) MatchHeaders(headers http.Header) []string {
	if len(headers) == 0 {
		return nil
	}

	var b strings.Builder
	for name, values := range headers {
		for _, v := range values {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	return matchCategories(p.headers, b.String())
}

// matchCategories conta cada categoria uma única vez (primeiro match)
func matchCategories(categories []category, target string) []string {
	if target == "" {
		return nil
	}

	var matched []string
	for _, c := range categories {
		for _, re := range c.patterns {
			if re.MatchString(target) {
				matched = append(matched, c.name)
				break
			}
		}
	}
	return matched
}

// IsToolUserAgent verifica a lista de ferramentas conhecidas
func (p *PatternSet) IsToolUserAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, tool := range p.uaTools {
		if strings.Contains(ua, tool) {
			return true
		}
	}
	return false
}

// MinUserAgentLength é o tamanho mínimo plausível de um user-agent
func (p *PatternSet) MinUserAgentLength() int {
	return p.uaMinLength
}

// Categories lista as categorias de URL e de headers
func (p *PatternSet) Categories() (url []string, headers []string) {
	for _, c := range p.url {
		url = append(url, c.name)
	}
	for _, c := range p.headers {
		headers = append(headers, c.name)
	}
	return url, headers
}
