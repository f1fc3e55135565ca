// Package summarize generates the AI-authored "project-narrative" memory
// block that supplements orchestrator.BuildProjectSummaryBlocks's
// structured "project-issues" block. It wraps the Anthropic Messages API
// with bounded retries and exponential backoff, span + metric recording
// around every call, and a text/template-rendered prompt covering a whole
// project's open-issue roster.
package summarize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oculairmedia/huly-vibe-sync/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	// defaultModelName is a plain string cast rather than a pinned
	// SDK-versioned constant, so picking up a newer model alias doesn't
	// require a new release of this package.
	defaultModelName = "claude-3-5-haiku-latest"
)

var defaultModel = anthropic.Model(defaultModelName)

var errAPIKeyRequired = errors.New("summarize: ANTHROPIC_API_KEY is required")

// Client generates project narratives via the Anthropic API.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	promptTemplate *template.Template
	maxRetries     int
	initialBackoff time.Duration
}

// New creates a Client. The ANTHROPIC_API_KEY environment variable takes
// precedence over an explicit apiKey, so a deployment's ambient
// environment always wins over a caller-supplied default.
func New(apiKey string) (*Client, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	tmpl, err := template.New("narrative").Parse(narrativePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("summarize: parse prompt template: %w", err)
	}

	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          defaultModel,
		promptTemplate: tmpl,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
	}, nil
}

// narrativeData is the shape rendered into the prompt template.
type narrativeData struct {
	ProjectName string
	Issues      []issueLine
}

type issueLine struct {
	ID       string
	Title    string
	Status   string
	Priority string
}

const narrativePromptTemplate = `You are summarizing the current state of a software project for a teammate's long-term memory. Write two or three plain-prose sentences, no bullet points, describing what the project is working on right now and anything that stands out (blocked items, a cluster of related work, stale issues).

Project: {{.ProjectName}}

Open issues:
{{range .Issues}}- [{{.Status}}/{{.Priority}}] {{.ID}}: {{.Title}}
{{end}}`

// Narrate implements orchestrator.Narrator: it renders the project's open
// issues into a prompt and returns the model's narrative prose, truncated
// to the memory-block size limit by the caller.
func (c *Client) Narrate(ctx context.Context, project *model.Project, issues []*model.Issue) (string, error) {
	data := narrativeData{ProjectName: project.Name}
	for _, i := range issues {
		if i.RemovedFromPM {
			continue
		}
		data.Issues = append(data.Issues, issueLine{ID: i.CanonicalID, Title: i.Title, Status: string(i.Status), Priority: string(i.Priority)})
	}
	if len(data.Issues) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := c.promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("summarize: render prompt: %w", err)
	}

	text, err := c.callWithRetry(ctx, buf.String())
	if err != nil {
		return "", fmt.Errorf("summarize: narrate project %s: %w", project.Identifier, err)
	}
	return text, nil
}

func (c *Client) callWithRetry(ctx context.Context, prompt string) (string, error) {
	ctx, span := metrics.StartSpan(ctx, "anthropic.messages.new",
		attribute.String("summarize.model", string(c.model)))
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			metrics.RecordRetry(ctx, "summarize")
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			span.SetAttributes(attribute.Int("summarize.attempts", attempt+1))
			if len(message.Content) == 0 || message.Content[0].Type != "text" {
				return "", fmt.Errorf("unexpected response: no text content")
			}
			return message.Content[0].Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable: %w", err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
