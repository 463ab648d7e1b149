package qti

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

type imsManifest struct {
	XMLName   xml.Name      `xml:"manifest"`
	Resources []imsResource `xml:"resources>resource"`
}

type imsResource struct {
	Identifier string `xml:"identifier,attr"`
	Href       string `xml:"href,attr"`
	Type       string `xml:"type,attr"`
}

// LoadDir parses every item resource listed in dir/imsmanifest.xml, in
// manifest order. Hrefs may not leave dir.
func LoadDir(dir string, testType exam.TestType) ([]exam.Question, error) {
	b, err := os.ReadFile(filepath.Join(dir, "imsmanifest.xml"))
	if err != nil {
		return nil, err
	}
	var m imsManifest
	if err := xml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	var out []exam.Question
	for _, r := range m.Resources {
		if !strings.Contains(strings.ToLower(r.Type), "item") || r.Href == "" {
			continue
		}
		rel := filepath.Clean(r.Href)
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("resource %s: href %q escapes the package", r.Identifier, r.Href)
		}
		q, err := parseFile(filepath.Join(dir, rel), testType)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func parseFile(path string, testType exam.TestType) (exam.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return exam.Question{}, err
	}
	defer f.Close()
	return ParseItem(f, testType)
}
