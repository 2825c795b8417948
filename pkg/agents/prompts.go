package agents

import (
	"encoding/json"
	"fmt"
	"strings"
)

func buildAnalysisPrompt(s spec, ac Context, evidence []string) string {
	var b strings.Builder

	if block := workspaceBlock(ac); block != "" {
		b.WriteString("## Workspace overview\n")
		b.WriteString(block)
		b.WriteString("\n\n")
	}

	if len(evidence) > 0 {
		b.WriteString("## Evidence\n")
		for _, line := range evidence {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteString("\n")
	}

	b.WriteString("## Task\n")
	b.WriteString(s.analysis)
	b.WriteString("\nWork only from the evidence above. Think through the numbers carefully before concluding.")
	return b.String()
}

func buildFormatPrompt(s spec, analysis string) string {
	return fmt.Sprintf(`Here is your completed analysis:

%s

Render it as JSON with EXACTLY this shape, and output ONLY the JSON:

{"summary": "2-3 sentence plain-language summary", "findings": %s}

Use null for anything the analysis could not determine.`, analysis, s.findings)
}

// buildFormatRetryPrompt is the minimised second attempt after an
// unparseable answer.
func buildFormatRetryPrompt(s spec, analysis string) string {
	return fmt.Sprintf(`Analysis:

%s

Output ONLY a single valid JSON object, nothing else. No markdown, no code fences, no commentary. Shape:

{"summary": "...", "findings": %s}`, analysis, s.findings)
}

func buildChatPrompt(query string, insights []Result, evidence []string) string {
	var b strings.Builder

	if len(insights) > 0 {
		b.WriteString("## Your previous analysis of this workspace\n")
		for _, ins := range insights {
			findings, _ := json.Marshal(ins.Findings)
			fmt.Fprintf(&b, "[%s] %s\nFindings: %s\n", ins.AgentName, ins.Summary, findings)
		}
		b.WriteString("\n")
	}

	if len(evidence) > 0 {
		b.WriteString("## Relevant records\n")
		for _, line := range evidence {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteString("\n")
	}

	b.WriteString("## Question\n")
	b.WriteString(query)
	b.WriteString("\n\nAnswer concisely from the analysis and records above. If they do not contain the answer, say so; never invent figures.")
	return b.String()
}

// workspaceBlock renders the parsed document as prompt context.
func workspaceBlock(ac Context) string {
	var b strings.Builder

	if s := ac.Summary; s != nil {
		fmt.Fprintf(&b, "Transactions: %d over %s to %s. Total debits %.2f SAR, total credits %.2f SAR.",
			s.Count,
			s.DateFrom.Format("2006-01-02"), s.DateTo.Format("2006-01-02"),
			s.TotalDebit, s.TotalCredit)
	}

	if fs := ac.Statement; fs != nil {
		if fs.CompanyInfo.Name != "" {
			fmt.Fprintf(&b, "Company: %s.", fs.CompanyInfo.Name)
		}
		if fs.CompanyInfo.CurrentPeriod != "" {
			fmt.Fprintf(&b, " Period: %s", fs.CompanyInfo.CurrentPeriod)
			if fs.CompanyInfo.PriorPeriod != "" {
				fmt.Fprintf(&b, " (prior %s)", fs.CompanyInfo.PriorPeriod)
			}
			b.WriteString(".")
		}
		fmt.Fprintf(&b, " Extraction confidence: %.0f%%.", fs.Confidence*100)
	}

	return b.String()
}
