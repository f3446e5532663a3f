package execution

import (
	"strings"

	"tradingagents/internal/models"
)

type reportPart struct {
	heading string
	section string
}

type reportGroup struct {
	heading string
	parts   []reportPart
}

// reportLayout fixes the order of the final report independent of completion order.
var reportLayout = []reportGroup{
	{
		heading: "## I. Analyst Team Reports",
		parts: []reportPart{
			{"### Market Analysis", models.SectionMarket},
			{"### Social Sentiment", models.SectionSentiment},
			{"### News Analysis", models.SectionNews},
			{"### Fundamentals Analysis", models.SectionFundamentals},
		},
	},
	{
		heading: "## II. Research Team Decision",
		parts:   []reportPart{{"", models.SectionInvestment}},
	},
	{
		heading: "## III. Trading Team Plan",
		parts:   []reportPart{{"", models.SectionTraderPlan}},
	},
	{
		heading: "## IV. Portfolio Management Decision",
		parts:   []reportPart{{"", models.SectionFinalDecision}},
	},
}

// AssembleReport renders the present, non-blank sections under their team headings.
// Missing sections and teams with nothing to show are omitted.
func AssembleReport(sections map[string]string) string {
	var blocks []string
	for _, group := range reportLayout {
		var body []string
		for _, part := range group.parts {
			text := strings.TrimSpace(sections[part.section])
			if text == "" {
				continue
			}
			if part.heading != "" {
				text = part.heading + "\n\n" + text
			}
			body = append(body, text)
		}
		if len(body) == 0 {
			continue
		}
		blocks = append(blocks, group.heading+"\n\n"+strings.Join(body, "\n\n"))
	}
	return strings.Join(blocks, "\n\n")
}
