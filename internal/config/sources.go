package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse rules understood by the catalog synchronizer.
const (
	RuleTable   = "table"
	RuleAnchors = "anchors"
)

// Source is one remote listing that feeds the catalog.
type Source struct {
	Platform string `yaml:"platform"`
	URL      string `yaml:"url"`
	Rule     string `yaml:"rule,omitempty"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads catalog sources from a YAML file. An empty path yields
// the built-in list.
func LoadSources(path string) ([]Source, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSources(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources %s: %w", path, err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sources %s: %w", path, err)
	}
	if err := ValidateSources(f.Sources); err != nil {
		return nil, fmt.Errorf("sources %s: %w", path, err)
	}
	return f.Sources, nil
}

// ValidateSources normalizes rules in place and rejects unusable entries.
func ValidateSources(sources []Source) error {
	if len(sources) == 0 {
		return errors.New("no sources defined")
	}
	seen := make(map[string]struct{}, len(sources))
	for i := range sources {
		s := &sources[i]
		s.Platform = strings.TrimSpace(s.Platform)
		s.URL = strings.TrimSpace(s.URL)
		s.Rule = strings.ToLower(strings.TrimSpace(s.Rule))
		if s.Platform == "" {
			return fmt.Errorf("source %d: empty platform", i)
		}
		if _, dup := seen[strings.ToLower(s.Platform)]; dup {
			return fmt.Errorf("source %d: duplicate platform %q", i, s.Platform)
		}
		seen[strings.ToLower(s.Platform)] = struct{}{}
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("source %q: invalid url %q", s.Platform, s.URL)
		}
		switch s.Rule {
		case "":
			s.Rule = RuleTable
		case RuleTable, RuleAnchors:
		default:
			return fmt.Errorf("source %q: unknown rule %q", s.Platform, s.Rule)
		}
	}
	return nil
}

const myrient = "https://myrient.erista.me/files/"

// DefaultSources returns the built-in Myrient listings.
func DefaultSources() []Source {
	return []Source{
		{Platform: "Nintendo New 3DS", URL: myrient + "No-Intro/Nintendo%20-%20New%20Nintendo%203DS%20%28Decrypted%29/", Rule: RuleTable},
		{Platform: "Nintendo 3DS", URL: myrient + "No-Intro/Nintendo%20-%20Nintendo%203DS%20%28Decrypted%29/", Rule: RuleTable},
		{Platform: "Nintendo DSi", URL: myrient + "No-Intro/Nintendo%20-%20Nintendo%20DSi%20%28Decrypted%29/", Rule: RuleTable},
		{Platform: "Nintendo DS", URL: myrient + "No-Intro/Nintendo%20-%20Nintendo%20DS%20%28Decrypted%29/", Rule: RuleTable},
		{Platform: "Nintendo Game Boy", URL: myrient + "No-Intro/Nintendo%20-%20Game%20Boy/", Rule: RuleTable},
		{Platform: "Nintendo Game Boy Color", URL: myrient + "No-Intro/Nintendo%20-%20Game%20Boy%20Color/", Rule: RuleTable},
		{Platform: "Nintendo Game Boy Advance", URL: myrient + "No-Intro/Nintendo%20-%20Game%20Boy%20Advance/", Rule: RuleTable},
		{Platform: "Nintendo Entertainment System", URL: myrient + "No-Intro/Nintendo%20-%20Nintendo%20Entertainment%20System%20%28Headered%29/", Rule: RuleTable},
		{Platform: "Nintendo 64", URL: myrient + "No-Intro/Nintendo%20-%20Nintendo%2064%20%28BigEndian%29/", Rule: RuleTable},
		{Platform: "Nintendo GameCube", URL: myrient + "Redump/Nintendo%20-%20GameCube%20-%20NKit%20RVZ%20%5Bzstd-19-128k%5D/", Rule: RuleTable},
		{Platform: "Nintendo Wii", URL: myrient + "No-Intro/Nintendo%20-%20Wii%20%28Digital%29%20%28CDN%29/", Rule: RuleTable},
		{Platform: "Nintendo Wii U", URL: myrient + "No-Intro/Nintendo%20-%20Wii%20U%20%28Digital%29%20%28CDN%29/", Rule: RuleTable},
		{Platform: "Sony Playstation 3", URL: myrient + "No-Intro/Sony%20-%20PlayStation%203%20%28PSN%29%20%28Content%29/", Rule: RuleTable},
		{Platform: "Sony Playstation Portable", URL: myrient + "No-Intro/Sony%20-%20PlayStation%20Portable%20%28PSN%29%20%28Decrypted%29/", Rule: RuleTable},
		{Platform: "Sony Playstation Vita", URL: myrient + "No-Intro/Sony%20-%20PlayStation%20Vita%20%28PSN%29%20%28Content%29/", Rule: RuleTable},
		{Platform: "Microsoft Xbox 360", URL: myrient + "No-Intro/Microsoft%20-%20Xbox%20360%20%28Digital%29/", Rule: RuleTable},
	}
}
