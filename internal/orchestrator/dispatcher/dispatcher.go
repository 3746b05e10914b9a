// Package dispatcher classifies chat requests: answer directly from the
// small LM, or route to a background coding-agent task. Input is sanitized
// before any model call, context is assembled under a strict budget, and the
// model's sentinel line is parsed with a direct-answer fallback.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/apierr"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/cost"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// Context budget fed to the small LM. Larger contexts are forbidden to
// contain cost.
const (
	maxHistoryMessages = 2
	maxHistoryChars    = 500
	maxActiveTasks     = 3
	maxLogLines        = 50
)

const systemPrompt = `You are amiga, a personal coding assistant that routes chat requests.

Decide for each request:
- If it is a question you can answer briefly (explanations, status, opinions, quick lookups), answer it directly in plain text.
- If it asks for work on the repository (writing code, fixing bugs, refactoring, running analyses, any multi-step coding task), respond with exactly one line:
BACKGROUND_TASK|<one-line task description>|<short friendly reply telling the user the task was started>

Rules for the sentinel line: plain text, no code fences, no extra lines, exactly two | characters. For everything else reply normally and never mention the sentinel format.`

// DecisionKind says how a request was routed.
type DecisionKind string

const (
	DecisionAnswer DecisionKind = "answer"
	DecisionTask   DecisionKind = "task"
)

// Decision is the classifier's output. Tokens carries the routing call's
// usage so the caller can display or audit it; ledger crediting already
// happened inside Classify.
type Decision struct {
	Kind        DecisionKind
	Answer      string
	Description string
	Reply       string
	Model       string
	Tokens      models.TokenUsage
}

// Input is everything the classifier may see for one request.
type Input struct {
	UserID           string
	Content          string // sanitized by Classify
	History          []session.Message
	CurrentWorkspace string
	ActiveTasks      []*models.Task
	LogLines         []string
}

// TokenRecorder credits routing-call usage to the cost ledger.
type TokenRecorder interface {
	Record(inc cost.Increment)
}

// Dispatcher classifies requests through the small LM.
type Dispatcher struct {
	lm        SmallLM
	sanitizer *Sanitizer
	ledger    TokenRecorder
	logger    *logger.Logger
}

// New creates a dispatcher. The ledger may be nil in tests.
func New(lm SmallLM, ledger TokenRecorder, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		lm:        lm,
		sanitizer: NewSanitizer(),
		ledger:    ledger,
		logger:    log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Classify sanitizes the request, calls the routing model and parses the
// decision. Usage is credited to the ledger for every completed model call,
// whatever the parse outcome.
func (d *Dispatcher) Classify(ctx context.Context, in Input) (*Decision, error) {
	content, err := d.sanitizer.Clean(in.Content)
	if err != nil {
		d.logger.Warn("input rejected",
			zap.String("user_id", in.UserID),
			zap.Error(err))
		return nil, apierr.Wrap(apierr.KindMaliciousInput, "request rejected", err)
	}

	reply, err := d.lm.Complete(ctx, d.buildSystem(in), d.buildTurns(in.History, content))
	if err != nil {
		return nil, fmt.Errorf("routing call failed: %w", err)
	}
	d.credit(reply)

	if description, userReply, ok := parseSentinel(reply.Text); ok {
		d.logger.Info("request routed to background task",
			zap.String("user_id", in.UserID),
			zap.String("description", description))
		return &Decision{
			Kind:        DecisionTask,
			Description: description,
			Reply:       userReply,
			Model:       reply.Model,
			Tokens:      reply.Tokens,
		}, nil
	}

	return &Decision{
		Kind:   DecisionAnswer,
		Answer: strings.TrimSpace(reply.Text),
		Model:  reply.Model,
		Tokens: reply.Tokens,
	}, nil
}

// buildSystem assembles the system prompt plus the budgeted context
// sections.
func (d *Dispatcher) buildSystem(in Input) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if in.CurrentWorkspace != "" {
		sb.WriteString("\n\nCurrent workspace: ")
		sb.WriteString(in.CurrentWorkspace)
	}

	if len(in.ActiveTasks) > 0 {
		sb.WriteString("\n\nTasks already running for this user:")
		for i, task := range in.ActiveTasks {
			if i >= maxActiveTasks {
				break
			}
			sb.WriteString(fmt.Sprintf("\n- [%s] %s", task.ID, truncate(task.Description, maxHistoryChars)))
		}
	}

	if len(in.LogLines) > 0 {
		lines := in.LogLines
		if len(lines) > maxLogLines {
			lines = lines[len(lines)-maxLogLines:]
		}
		sb.WriteString("\n\nRecent log context:\n")
		sb.WriteString(strings.Join(lines, "\n"))
	}

	return sb.String()
}

// buildTurns selects the budgeted slice of history and appends the current
// request as the final user turn.
func (d *Dispatcher) buildTurns(history []session.Message, content string) []Turn {
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}

	turns := make([]Turn, 0, len(history)+1)
	for _, msg := range history {
		turns = append(turns, Turn{
			Role: msg.Role,
			Text: truncate(msg.Content, maxHistoryChars),
		})
	}
	return append(turns, Turn{Role: session.RoleUser, Text: content})
}

func (d *Dispatcher) credit(reply *Reply) {
	if d.ledger == nil || reply.Tokens.IsZero() {
		return
	}
	d.ledger.Record(cost.Increment{
		At:    time.Now().UTC(),
		Model: reply.Model,
		Tokens: cost.TokenDelta{
			Input:       reply.Tokens.Input,
			Output:      reply.Tokens.Output,
			CacheCreate: reply.Tokens.CacheCreate,
			CacheRead:   reply.Tokens.CacheRead,
		},
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
