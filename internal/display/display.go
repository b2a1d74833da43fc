// Package display turns ranked predictions into what the user sees.
package display

import (
	"fmt"
	"strings"

	"github.com/example/style-predict/internal/predictor"
)

// Threshold is the minimum confidence for a label to be shown.
const Threshold = 0.30

// Entry is one label as displayed.
type Entry struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Percent    string  `json:"percent"`
}

// View is the rendered result. NoMatch is set when the top entry falls below
// the threshold; Primary and Secondary are empty then.
type View struct {
	NoMatch   bool    `json:"no_match"`
	Primary   *Entry  `json:"primary,omitempty"`
	Secondary []Entry `json:"secondary,omitempty"`
}

// Render applies threshold to results in the order the service returned them.
func Render(results []predictor.Prediction, threshold float64) View {
	if len(results) == 0 || results[0].Confidence < threshold {
		return View{NoMatch: true}
	}

	primary := entry(results[0])
	view := View{Primary: &primary}
	for _, r := range results[1:] {
		if r.Confidence >= threshold {
			view.Secondary = append(view.Secondary, entry(r))
		}
	}
	return view
}

// Percent formats a confidence in [0, 1] as a percentage with one decimal.
func Percent(confidence float64) string {
	return fmt.Sprintf("%.1f%%", confidence*100)
}

func entry(p predictor.Prediction) Entry {
	return Entry{Label: p.Label, Confidence: p.Confidence, Percent: Percent(p.Confidence)}
}

// String renders the view for a terminal.
func (v View) String() string {
	if v.NoMatch || v.Primary == nil {
		return fmt.Sprintf("No style matched with at least %s confidence.", Percent(Threshold))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", v.Primary.Label, v.Primary.Percent)
	if len(v.Secondary) > 0 {
		b.WriteString("\nAlso possible:")
		for _, e := range v.Secondary {
			fmt.Fprintf(&b, "\n  - %s (%s)", e.Label, e.Percent)
		}
	}
	return b.String()
}

// ProgressBar draws progress in [0, 100] as a fixed-width bar.
func ProgressBar(progress float64, width int) string {
	if width <= 0 {
		width = 30
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	filled := int(progress / 100 * float64(width))
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), progress)
}
