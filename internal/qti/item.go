// Package qti imports single-choice QTI 3 items into the question bank.
package qti

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

type assessmentItem struct {
	XMLName      xml.Name             `xml:"assessmentItem"`
	Identifier   string               `xml:"identifier,attr"`
	Title        string               `xml:"title,attr"`
	Lang         string               `xml:"lang,attr"`
	Body         itemBody             `xml:"itemBody"`
	ResponseDecl responseDeclaration  `xml:"responseDeclaration"`
	OutcomeDecl  []outcomeDeclaration `xml:"outcomeDeclaration"`
}

type itemBody struct {
	RawXML string `xml:",innerxml"`
}

type responseDeclaration struct {
	Identifier  string `xml:"identifier,attr"`
	Cardinality string `xml:"cardinality,attr"` // single|multiple
	Correct     struct {
		Values []string `xml:"value"`
	} `xml:"correctResponse"`
}

type outcomeDeclaration struct {
	Identifier    string `xml:"identifier,attr"`
	NormalMaximum string `xml:"normalMaximum,attr"`
}

type choice struct {
	ID   string
	Text string
}

// Labels are assigned to choices in document order.
var Labels = []string{"A", "B", "C", "D"}

// ParseItem reads one assessmentItem. Only single-cardinality choice
// interactions with exactly four choices are accepted.
func ParseItem(r io.Reader, testType exam.TestType) (exam.Question, error) {
	var it assessmentItem
	if err := xml.NewDecoder(r).Decode(&it); err != nil {
		return exam.Question{}, fmt.Errorf("decode item: %w", err)
	}
	if it.Identifier == "" {
		return exam.Question{}, fmt.Errorf("item without identifier")
	}
	body := strings.ToLower(it.Body.RawXML)
	if !strings.Contains(body, "<choiceinteraction") {
		return exam.Question{}, fmt.Errorf("item %s: not a choice interaction", it.Identifier)
	}
	if it.ResponseDecl.Cardinality == "multiple" {
		return exam.Question{}, fmt.Errorf("item %s: multiple-response items are not supported", it.Identifier)
	}

	choices := extractChoices(it.Body.RawXML)
	if len(choices) != len(Labels) {
		return exam.Question{}, fmt.Errorf("item %s: want %d choices, got %d", it.Identifier, len(Labels), len(choices))
	}
	if len(it.ResponseDecl.Correct.Values) != 1 {
		return exam.Question{}, fmt.Errorf("item %s: want one correct response", it.Identifier)
	}
	correctID := strings.TrimSpace(it.ResponseDecl.Correct.Values[0])

	q := exam.Question{
		ID:       it.Identifier,
		TestType: testType,
		Prompt:   exam.LocalizedText{Primary: extractPrompt(it.Body.RawXML)},
		Points:   points(it.OutcomeDecl),
	}
	if q.Prompt.Primary == "" {
		q.Prompt.Primary = it.Title
	}
	for i, c := range choices {
		q.Options = append(q.Options, exam.Option{Label: Labels[i], Text: exam.LocalizedText{Primary: c.Text}})
		if c.ID == correctID {
			q.CorrectLabel = Labels[i]
		}
	}
	if q.CorrectLabel == "" {
		return exam.Question{}, fmt.Errorf("item %s: correct response %q matches no choice", it.Identifier, correctID)
	}
	return q, nil
}

func points(decls []outcomeDeclaration) float64 {
	for _, d := range decls {
		if d.Identifier != "SCORE" || d.NormalMaximum == "" {
			continue
		}
		if v, err := strconv.ParseFloat(d.NormalMaximum, 64); err == nil && v > 0 {
			return v
		}
	}
	return 1
}

// extractPrompt returns the <prompt> text, or the body text before the interaction.
func extractPrompt(inner string) string {
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		t, err := dec.Token()
		if err != nil {
			break
		}
		if se, ok := t.(xml.StartElement); ok && strings.EqualFold(se.Name.Local, "prompt") {
			var p struct {
				Inner string `xml:",innerxml"`
			}
			if dec.DecodeElement(&p, &se) == nil {
				return strings.TrimSpace(p.Inner)
			}
		}
	}
	l := strings.ToLower(inner)
	if idx := strings.Index(l, "<choiceinteraction"); idx >= 0 {
		return strings.TrimSpace(inner[:idx])
	}
	return ""
}

// extractChoices collects <simpleChoice identifier="...">text</simpleChoice> in order.
func extractChoices(inner string) []choice {
	var out []choice
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		t, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := t.(xml.StartElement)
		if !ok || !strings.EqualFold(se.Name.Local, "simpleChoice") {
			continue
		}
		var id string
		for _, a := range se.Attr {
			if strings.EqualFold(a.Name.Local, "identifier") {
				id = a.Value
				break
			}
		}
		var text struct {
			Inner string `xml:",innerxml"`
		}
		if err := dec.DecodeElement(&text, &se); err == nil {
			out = append(out, choice{ID: id, Text: strings.TrimSpace(text.Inner)})
		}
	}
	return out
}
