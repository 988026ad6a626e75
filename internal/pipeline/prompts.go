package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"smart-mail-reply-go/internal/model"
)

// Every prompt starts with a task line so completions can be traced per stage.
const (
	TaskScan          = "TASK: scan"
	TaskCompress      = "TASK: compress-context"
	TaskSynthesize    = "TASK: synthesize-instructions"
	TaskGenerate      = "TASK: generate-reply"
	TaskTraditional   = "TASK: traditional-reply"
	TaskStyleBasic    = "TASK: style-basic"
	TaskStyleDetailed = "TASK: style-detailed"
	TaskStyleCompress = "TASK: style-compress"
)

const (
	bodyLimit    = 4000
	historyBody  = 600
	historyLimit = 30
)

func writeMessage(b *strings.Builder, msg *model.Message) {
	fmt.Fprintf(b, "From: %s\nSubject: %s\nDate: %s\n\n%s\n",
		msg.Sender, msg.Subject, msg.ArrivedAt.Format("2006-01-02 15:04"), model.Truncate(msg.Body, bodyLimit))
}

func writeHistory(b *strings.Builder, title string, msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for i, m := range msgs {
		if i == historyLimit {
			break
		}
		fmt.Fprintf(b, "- [%s] %s -> %s | %s | %s\n",
			m.ArrivedAt.Format("2006-01-02"), m.Sender, m.Recipients, m.Subject, model.Truncate(m.Body, historyBody))
	}
}

func scanPrompt(msg *model.Message) string {
	var b strings.Builder
	b.WriteString(TaskScan + "\n")
	b.WriteString("Classify the email below and plan a search of the recipient's mailbox for context.\n")
	b.WriteString(`Answer with JSON only: {"intent": string, "urgency": "low"|"normal"|"high", ` +
		`"needs_calendar": bool, "keywords": [string], "sender_filter": string, "window_days": int, "max_results": int}` + "\n\n")
	writeMessage(&b, msg)
	return b.String()
}

func compressPrompt(msg *model.Message, scan ScanResult, gathered GatherResult) string {
	var b strings.Builder
	b.WriteString(TaskCompress + "\n")
	b.WriteString("Summarize only the facts below that matter for answering the email. Be brief, use bullet points.\n\n")
	fmt.Fprintf(&b, "Intent: %s (urgency %s)\n", scan.Intent, scan.Urgency)
	b.WriteString("\nEmail:\n")
	writeMessage(&b, msg)
	if len(gathered.Events) > 0 {
		events, _ := json.Marshal(gathered.Events)
		fmt.Fprintf(&b, "\nCalendar events: %s\n", events)
	}
	writeHistory(&b, "Previous conversation with the sender", gathered.DirectHistory)
	writeHistory(&b, "Related messages", gathered.KeywordHistory)
	return b.String()
}

func synthesizePrompt(msg *model.Message, compressed CompressedContext, contacts, rules string) string {
	var b strings.Builder
	b.WriteString(TaskSynthesize + "\n")
	b.WriteString("Decide what the reply must say. Do not write the reply itself.\n")
	b.WriteString(`Answer with JSON only: {"key_points": [string], "actions": [string], "tone": string, "notes": string}` + "\n\n")
	b.WriteString("Email:\n")
	writeMessage(&b, msg)
	fmt.Fprintf(&b, "\nContext:\n%s\n", compressed.Text)
	if contacts != "" {
		fmt.Fprintf(&b, "\nRelationships:\n%s\n", contacts)
	}
	if rules != "" {
		fmt.Fprintf(&b, "\nThe user's reply rules:\n%s\n", rules)
	}
	return b.String()
}

func generatePrompt(msg *model.Message, profile string, tone StyleContext, instructions Instructions) string {
	var b strings.Builder
	b.WriteString(TaskGenerate + "\n")
	b.WriteString("Write the reply as the user, following the instructions and matching their style.\n")
	b.WriteString(`Answer with JSON only: {"reply": string, "confidence": 0-100, "reasoning": string}` + "\n\n")
	fmt.Fprintf(&b, "Writing style:\n%s\n\nTone with this sender:\n%s\n\n", profile, tone.Text)
	plan, _ := json.Marshal(instructions)
	fmt.Fprintf(&b, "Instructions: %s\n\nEmail:\n", plan)
	writeMessage(&b, msg)
	return b.String()
}

func traditionalPrompt(style string, msg *model.Message) string {
	var b strings.Builder
	b.WriteString(TaskTraditional + "\n")
	b.WriteString("Write a reply to the email as the user, in the style described.\n")
	b.WriteString(`Answer with JSON only: {"reply": string, "confidence": 0-100, "reasoning": string}` + "\n\n")
	fmt.Fprintf(&b, "Writing style:\n%s\n\nEmail:\n", style)
	writeMessage(&b, msg)
	return b.String()
}

func basicStylePrompt(sender string, history []model.Message) string {
	var b strings.Builder
	b.WriteString(TaskStyleBasic + "\n")
	fmt.Fprintf(&b, "In two sentences, describe the tone used in these messages with %s.\n", sender)
	writeHistory(&b, "Messages", history)
	return b.String()
}

func detailedStylePrompt(sender string, history []model.Message) string {
	var b strings.Builder
	b.WriteString(TaskStyleDetailed + "\n")
	fmt.Fprintf(&b, "Analyze how the user writes to %s: greeting, sign-off, formality, length, recurring phrases.\n", sender)
	writeHistory(&b, "Messages", history)
	return b.String()
}

func compressStylePrompt(sender string, analysis string) string {
	var b strings.Builder
	b.WriteString(TaskStyleCompress + "\n")
	fmt.Fprintf(&b, "Condense this analysis of the user's tone with %s into at most five short guidelines.\n\n", sender)
	b.WriteString(analysis)
	return b.String()
}
