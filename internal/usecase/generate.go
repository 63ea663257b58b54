package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"manimatic/internal/domain"
)

const (
	defaultMaxPrompt       = 4000
	defaultMaxRenders      = 2
	defaultGenerateTimeout = 60 * time.Second
	defaultRenderTimeout   = 5 * time.Minute
)

type LLMClient interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// Renderer runs a script and hands the artifact path to consume while the
// artifact still exists.
type Renderer interface {
	Render(ctx context.Context, script string, consume func(artifactPath string) error) error
}

type Publisher interface {
	Publish(ctx context.Context, artifactPath string) (domain.Artifact, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Limits bounds a single request and the renders running at once. A zero
// QueueWait turns requests away as soon as every render slot is taken.
type Limits struct {
	MaxPromptLength      int
	MaxConcurrentRenders int
	QueueWait            time.Duration
	GenerateTimeout      time.Duration
	RenderTimeout        time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxPromptLength <= 0 {
		l.MaxPromptLength = defaultMaxPrompt
	}
	if l.MaxConcurrentRenders <= 0 {
		l.MaxConcurrentRenders = defaultMaxRenders
	}
	if l.QueueWait < 0 {
		l.QueueWait = 0
	}
	if l.GenerateTimeout <= 0 {
		l.GenerateTimeout = defaultGenerateTimeout
	}
	if l.RenderTimeout <= 0 {
		l.RenderTimeout = defaultRenderTimeout
	}
	return l
}

type GenerateService struct {
	llm       LLMClient
	renderer  Renderer
	publisher Publisher
	scene     string
	limits    Limits
	slots     *semaphore.Weighted
	logger    *slog.Logger
}

type GenerateInput struct {
	Prompt        string
	CorrelationID string
}

type GenerateOutput struct {
	URL      string
	Artifact domain.Artifact
}

func NewGenerateService(llm LLMClient, r Renderer, p Publisher, scene string, limits Limits, logger *slog.Logger) (*GenerateService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: renderer must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: publisher must not be nil")
	}
	scene = strings.TrimSpace(scene)
	if scene == "" {
		return nil, errors.New("usecase: scene name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limits = limits.withDefaults()
	return &GenerateService{
		llm:       llm,
		renderer:  r,
		publisher: p,
		scene:     scene,
		limits:    limits,
		slots:     semaphore.NewWeighted(int64(limits.MaxConcurrentRenders)),
		logger:    logger,
	}, nil
}

// Generate runs prompt → script → render → publish for one request. Each
// stage runs once; the first failure ends the request with an *Error naming
// that stage.
func (s *GenerateService) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	log := s.logger.With("correlation_id", in.CorrelationID)

	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return GenerateOutput{}, newError(StageValidation, "prompt_required", nil)
	}
	if utf8.RuneCountInString(prompt) > s.limits.MaxPromptLength {
		return GenerateOutput{}, newError(StageValidation, "prompt_too_long", nil)
	}

	start := time.Now()
	script, err := s.generateScript(ctx, prompt)
	if err != nil {
		log.Error("script generation failed", "stage", StageGeneration, "err", err)
		return GenerateOutput{}, err
	}
	log.Info("script generated", "stage", StageGeneration, "duration", time.Since(start), "bytes", len(script))

	start = time.Now()
	artifact, err := s.renderAndPublish(ctx, script)
	if err != nil {
		var ucErr *Error
		stage, reason := StageRender, ""
		if errors.As(err, &ucErr) {
			stage, reason = ucErr.Stage, ucErr.Reason
		}
		log.Error("animation failed", "stage", stage, "reason", reason, "err", err)
		return GenerateOutput{}, err
	}
	log.Info("animation published", "stage", StagePublish, "duration", time.Since(start), "url", artifact.URL)

	return GenerateOutput{URL: artifact.URL, Artifact: artifact}, nil
}

func (s *GenerateService) generateScript(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.limits.GenerateTimeout)
	defer cancel()

	raw, err := s.llm.Chat(ctx, buildPromptMessages(prompt, s.scene))
	if err != nil {
		return "", newError(StageGeneration, generationReason(err), err)
	}
	script := ExtractScript(raw)
	if script == "" {
		return "", newError(StageGeneration, "empty_script", nil)
	}
	return script, nil
}

func generationReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "generation_timeout"
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch status {
		case http.StatusTooManyRequests:
			return "model_rate_limited"
		case http.StatusUnauthorized, http.StatusForbidden:
			return "model_unauthorized"
		}
	}
	return "model_error"
}

// renderAndPublish holds a render slot for the whole render, and publishes
// from inside the renderer's callback so the work area outlives the copy.
func (s *GenerateService) renderAndPublish(ctx context.Context, script string) (domain.Artifact, error) {
	if err := s.acquireRenderSlot(ctx); err != nil {
		reason := "request_canceled"
		if errors.Is(err, ErrRenderBusy) {
			reason = "render_capacity"
		}
		return domain.Artifact{}, newError(StageRender, reason, err)
	}
	defer s.slots.Release(1)

	renderCtx, cancel := context.WithTimeout(ctx, s.limits.RenderTimeout)
	defer cancel()

	var (
		artifact   domain.Artifact
		publishErr error
	)
	err := s.renderer.Render(renderCtx, script, func(path string) error {
		artifact, publishErr = s.publisher.Publish(ctx, path)
		return publishErr
	})
	if publishErr != nil {
		return domain.Artifact{}, newError(StagePublish, "copy_failed", publishErr)
	}
	if err != nil {
		reason := "render_failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "render_timeout"
		}
		return domain.Artifact{}, newError(StageRender, reason, err)
	}
	return artifact, nil
}

func (s *GenerateService) acquireRenderSlot(ctx context.Context) error {
	if s.limits.QueueWait == 0 {
		if !s.slots.TryAcquire(1) {
			return ErrRenderBusy
		}
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.limits.QueueWait)
	defer cancel()
	if err := s.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("wait for render slot: %w", ctx.Err())
		}
		return fmt.Errorf("%w: no slot within %s", ErrRenderBusy, s.limits.QueueWait)
	}
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
