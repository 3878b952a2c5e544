package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/edgard/botfleet/internal/database"
)

const (
	historyTimeFormat = "2006-01-02 15:04:05"
	historyRule       = "------------------------------"
)

// promptData is what a bot's prompt template sees.
type promptData struct {
	ChatHistory         string
	ProductSearchResult string
}

// ParseTemplate parses a bot prompt template. Unknown fields fail at render
// time rather than rendering as empty text.
func ParseTemplate(source string) (*template.Template, error) {
	return template.New("bot_prompt").Option("missingkey=error").Parse(source)
}

func render(t *template.Template, data promptData) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// FormatHistory serializes history oldest first, followed by the message
// being answered as the latest user turn.
func FormatHistory(history []database.Message, text string, receivedAt time.Time) string {
	var sb strings.Builder
	for _, m := range history {
		writeTurn(&sb, m.IsFromBot, m.Text, m.Timestamp)
	}
	writeTurn(&sb, false, text, receivedAt)
	return sb.String()
}

func writeTurn(sb *strings.Builder, fromBot bool, text string, ts time.Time) {
	speaker := "User"
	if fromBot {
		speaker = "Bot"
	}
	fmt.Fprintf(sb, "%s: %s\nTime: %s\n%s\n", speaker, text, ts.UTC().Format(historyTimeFormat), historyRule)
}
