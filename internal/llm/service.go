// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jeranaias/redloop/internal/store"
	"github.com/jeranaias/redloop/internal/util"
)

// DefaultSystemPrompt opens every conversation.
const DefaultSystemPrompt = "You are a helpful assistant"

// existingConversationLimit caps queries sent on an existing conversation.
const existingConversationLimit = 10000

// =============================================================================
// INTERFACES
// =============================================================================

// Sender is what the agent components depend on.
type Sender interface {
	// Send submits prompt on conversationID and returns the reply and the
	// handle used. An empty conversationID starts a new conversation.
	// Failures are returned as ErrorMarker-prefixed replies.
	Send(ctx context.Context, prompt, conversationID string, opts ...SendOption) (string, string)
}

// History persists conversations and their exchanges.
type History interface {
	EnsureConversation(ctx context.Context, id, model string) error
	AddMessage(ctx context.Context, conversationID, query, response string) error
	Messages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// Retriever returns knowledge-base passages relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// UsageRecorder accumulates estimated token usage.
type UsageRecorder interface {
	Record(conversationID string, promptTokens, responseTokens int)
}

// =============================================================================
// OPTIONS
// =============================================================================

type sendOptions struct {
	kbQuery  string
	noRecord bool
}

// SendOption adjusts a single Send call.
type SendOption func(*sendOptions)

// WithKBQuery enriches the prompt with knowledge-base passages for query.
func WithKBQuery(query string) SendOption {
	return func(o *sendOptions) { o.kbQuery = query }
}

// WithoutRecord keeps the exchange out of the conversation history.
func WithoutRecord() SendOption {
	return func(o *sendOptions) { o.noRecord = true }
}

// =============================================================================
// SERVICE
// =============================================================================

// ServiceConfig holds Service settings.
type ServiceConfig struct {
	SystemPrompt      string
	HistoryLen        int
	ContextLength     int
	RequestsPerSecond float64
	TargetHost        string
	KBTopK            int
	CharsPerToken     int
}

// Service is the conversation-aware model front end.
type Service struct {
	backend   Backend
	config    ServiceConfig
	history   History
	retriever Retriever
	usage     UsageRecorder
	limiter   *rate.Limiter
	logger    *slog.Logger
	tracer    trace.Tracer

	// guards config.TargetHost, which is settled after the request is parsed
	mu sync.RWMutex
}

// NewService creates a Service. history may be nil, in which case no
// exchanges are replayed or stored.
func NewService(backend Backend, config ServiceConfig, history History) *Service {
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.HistoryLen < 0 {
		config.HistoryLen = 0
	}
	if config.ContextLength <= 0 {
		config.ContextLength = 120000
	}
	if config.KBTopK <= 0 {
		config.KBTopK = 3
	}
	if config.CharsPerToken <= 0 {
		config.CharsPerToken = 4
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &Service{
		backend: backend,
		config:  config,
		history: history,
		limiter: limiter,
		logger:  slog.Default().With("component", "llm"),
		tracer:  otel.Tracer("github.com/jeranaias/redloop/internal/llm"),
	}
}

// WithRetriever attaches a knowledge base.
func (s *Service) WithRetriever(r Retriever) *Service {
	s.retriever = r
	return s
}

// WithUsage attaches a usage recorder.
func (s *Service) WithUsage(u UsageRecorder) *Service {
	s.usage = u
	return s
}

// SetTargetHost sets the host that replaces addresses in knowledge base
// passages. An empty host leaves passages untouched.
func (s *Service) SetTargetHost(host string) {
	s.mu.Lock()
	s.config.TargetHost = host
	s.mu.Unlock()
}

func (s *Service) targetHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.TargetHost
}

// WithLogger replaces the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Send implements Sender.
func (s *Service) Send(ctx context.Context, prompt, conversationID string, opts ...SendOption) (string, string) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := s.tracer.Start(ctx, "llm.send", trace.WithAttributes(
		attribute.String("llm.backend", s.backend.Name()),
		attribute.String("llm.model", s.backend.Model()),
		attribute.Bool("llm.new_conversation", conversationID == ""),
	))
	defer span.End()

	if o.kbQuery != "" {
		prompt = s.enrich(ctx, prompt, o.kbQuery)
	}

	if conversationID != "" {
		prompt = util.Head(prompt, existingConversationLimit)
	} else {
		prompt = util.Head(prompt, s.config.ContextLength)
		conversationID = NewConversationID()
	}
	span.SetAttributes(attribute.String("llm.conversation_id", conversationID))

	messages := []Message{NewSystemMessage(s.config.SystemPrompt)}
	if s.history != nil {
		if err := s.history.EnsureConversation(ctx, conversationID, s.backend.Model()); err != nil {
			s.logger.Warn("failed to record conversation", "conversation", conversationID, "error", err)
		}
		if s.config.HistoryLen > 0 {
			past, err := s.history.Messages(ctx, conversationID, s.config.HistoryLen)
			if err != nil {
				s.logger.Warn("failed to load history", "conversation", conversationID, "error", err)
			}
			for _, m := range past {
				messages = append(messages, NewUserMessage(m.Query), NewAssistantMessage(m.Response))
			}
		}
	}
	messages = append(messages, NewUserMessage(prompt))

	if err := s.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errorResponse(err), conversationID
	}

	reply, err := s.backend.Chat(ctx, messages)
	if err != nil {
		s.logger.Error("model request failed", "conversation", conversationID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errorResponse(err), conversationID
	}

	if s.usage != nil {
		s.usage.Record(conversationID, s.estimate(messages), len(reply)/s.config.CharsPerToken)
	}

	if s.history != nil && !o.noRecord {
		if err := s.history.AddMessage(ctx, conversationID, prompt, reply); err != nil {
			s.logger.Warn("failed to store exchange", "conversation", conversationID, "error", err)
		}
	}
	return reply, conversationID
}

func (s *Service) estimate(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n / s.config.CharsPerToken
}

// =============================================================================
// KNOWLEDGE BASE
// =============================================================================

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// enrich appends retrieved passages to prompt. Addresses in the passages are
// replaced by the engagement target so the model does not chase hosts from
// old write-ups.
func (s *Service) enrich(ctx context.Context, prompt, query string) string {
	if s.retriever == nil {
		return prompt
	}
	passages, err := s.retriever.Retrieve(ctx, query, s.config.KBTopK)
	if err != nil {
		s.logger.Warn("knowledge base lookup failed", "error", err)
		return prompt
	}
	kbContext := strings.TrimSpace(strings.Join(passages, "\n"))
	if kbContext == "" {
		return prompt
	}
	if host := s.targetHost(); host != "" {
		kbContext = ipv4Pattern.ReplaceAllLiteralString(kbContext, host)
	}
	return prompt + "\n\n\n Ensure that the **Overall Target** IP or the IP from the **Initial Description** is prioritized. " +
		"You will respond to questions and generate tasks based on the provided penetration test case materials: " +
		kbContext + ". \n"
}
