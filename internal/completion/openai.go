package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/advisor/pkg/observability"
	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

// RequestAdvisorTool is the function the model calls to signal handoff
// intent.
const RequestAdvisorTool = "request_advisor"

const systemPrompt = `You are an admissions assistant for prospective students.
Answer questions using only the provided document excerpts and cite them by number.
If the student asks to speak with a person, or their question needs a human
decision (admission outcomes, financial aid amounts, exceptions), call the
request_advisor tool with a short summary, the topics discussed and any concerns
the student raised, and ask whether they would like an advisor to contact them.`

// OpenAIConfig configures OpenAIService.
type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	// MaxResults and Threshold are passed to the searcher and the filter.
	MaxResults int     `yaml:"max_results"`
	Threshold  float64 `yaml:"relevance_threshold"`
}

// OpenAIService runs retrieval, then streams a chat completion from an
// OpenAI-compatible API.
type OpenAIService struct {
	client   *openai.Client
	searcher retrieval.Searcher
	cfg      OpenAIConfig
	logger   zerolog.Logger
	tracer   trace.Tracer
}

var _ Service = (*OpenAIService)(nil)

// NewOpenAIService creates the service. searcher may be nil, in which case
// no retrieval happens and answers are marked ungrounded.
func NewOpenAIService(cfg OpenAIConfig, searcher retrieval.Searcher, logger zerolog.Logger) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("completion api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = retrieval.DefaultMaxResults
	}
	cfg.Threshold = threshold(cfg.Threshold)

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{
		client:   openai.NewClientWithConfig(oc),
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/aixgo-dev/advisor/internal/completion"),
	}, nil
}

// Stream implements Service.
func (s *OpenAIService) Stream(ctx context.Context, req Request) <-chan stream.Event {
	events := make(chan stream.Event, 16)
	go func() {
		defer close(events)
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		s.run(ctx, req, events)
	}()
	return events
}

func (s *OpenAIService) run(ctx context.Context, req Request, events chan<- stream.Event) {
	ctx, span := s.tracer.Start(ctx, "completion.stream", trace.WithAttributes(
		attribute.String("advisor.actor", req.Scope.Actor.String()),
		attribute.String("advisor.session", req.Scope.Session),
		attribute.String("llm.model", s.cfg.Model),
	))
	defer span.End()

	logger := s.logger.With().
		Str("actor", req.Scope.Actor.String()).
		Str("session", req.Scope.Session).
		Logger()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stream.Emit(ctx, events, stream.Error{Err: err})
	}

	var passages []retrieval.Passage
	if s.searcher != nil {
		res, err := s.search(ctx, req, events)
		if err != nil {
			fail(err)
			return
		}
		if res.Unattributed > 0 {
			logger.Warn().Int("dropped", res.Unattributed).Msg("search returned passages without a source id")
		}
		passages = res.Passages
		span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
	}

	st, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    buildMessages(req, passages),
		Tools:       []openai.Tool{requestAdvisor},
		Temperature: s.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		fail(fmt.Errorf("start completion: %w", err))
		return
	}
	defer func() { _ = st.Close() }()

	var (
		content strings.Builder
		calls   = map[int]*openai.ToolCall{}
	)
	for {
		resp, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(fmt.Errorf("read completion: %w", err))
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if !stream.Emit(ctx, events, stream.TextDelta{Text: delta.Content}) {
				return
			}
		}
		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &openai.ToolCall{}
				calls[idx] = acc
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	intent := handoffIntent(calls, logger)
	text := content.String()
	if intent != nil {
		span.SetAttributes(attribute.Bool("advisor.handoff_intent", true))
		if strings.TrimSpace(text) == "" {
			text = HandoffOffer
		}
	}
	stream.Emit(ctx, events, stream.Final{Content: text, Passages: passages, Handoff: intent})
}

func (s *OpenAIService) search(ctx context.Context, req Request, events chan<- stream.Event) (retrieval.Result, error) {
	ctx, span := s.tracer.Start(ctx, "completion.search")
	defer span.End()

	stream.Emit(ctx, events, stream.ToolStarted{Label: SearchLabel})
	found, err := s.searcher.Search(ctx, retrieval.Query{
		QueryText:           req.Prompt,
		ConversationContext: contextMessages(req.History),
		MaxResults:          s.cfg.MaxResults,
		RelevanceThreshold:  s.cfg.Threshold,
	})
	stream.Emit(ctx, events, stream.ToolFinished{Label: SearchLabel})
	if err != nil {
		span.RecordError(err)
		return retrieval.Result{}, err
	}

	res := retrieval.Filter(found, s.cfg.Threshold)
	observability.RecordRetrievalFilter(len(res.Passages), res.Dropped())
	return res, nil
}

var requestAdvisor = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        RequestAdvisorTool,
		Description: "Offer to hand the conversation to a human admissions advisor.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":  map[string]any{"type": "string", "description": "What the student needs, in two or three sentences."},
				"topics":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"concerns": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"summary"},
		},
	},
}

func handoffIntent(calls map[int]*openai.ToolCall, logger zerolog.Logger) *stream.HandoffIntent {
	for _, c := range calls {
		if c.Function.Name != RequestAdvisorTool {
			continue
		}
		var intent stream.HandoffIntent
		if err := json.Unmarshal([]byte(c.Function.Arguments), &intent); err != nil {
			// The intent is still clear even when the brief is unreadable.
			logger.Warn().Err(err).Msg("malformed request_advisor arguments")
			return &stream.HandoffIntent{}
		}
		return &intent
	}
	return nil
}

func buildMessages(req Request, passages []retrieval.Passage) []openai.ChatCompletionMessage {
	system := systemPrompt
	if sc := strings.TrimSpace(req.SystemContext); sc != "" {
		system += "\n\n" + sc
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleSystem, Content: retrieval.Context(passages)},
	}
	for _, t := range req.History {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
}
