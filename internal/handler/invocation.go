package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/tonkeeper/agent-relay/internal/auth"
	"github.com/tonkeeper/agent-relay/internal/relay"
	"github.com/tonkeeper/agent-relay/internal/utils"
)

const heartbeatMessage = ": ping\n\n"

var (
	errPromptRequired = errors.New("prompt is required")
	errBodyTooLarge   = errors.New("request body too large")
)

type Authenticator interface {
	Authenticate(ctx context.Context, header http.Header) (auth.Credentials, error)
}

type StreamOpener interface {
	Open(ctx context.Context, accessToken, prompt string) (*relay.Stream, error)
}

type invocationInput struct {
	Prompt string `json:"prompt"`
}

type errorEvent struct {
	Error string `json:"error"`
}

type handler struct {
	authenticator     Authenticator
	opener            StreamOpener
	maxBodySize       int64
	upstreamTimeout   time.Duration
	heartbeatInterval time.Duration
}

// NewHandler builds the invocation handler. upstreamTimeout bounds the whole
// upstream call including streaming; zero means no deadline. A positive
// heartbeatInterval sends an SSE comment while the upstream is quiet.
func NewHandler(authenticator Authenticator, opener StreamOpener, maxBodySize int64, upstreamTimeout, heartbeatInterval time.Duration) *handler {
	return &handler{
		authenticator:     authenticator,
		opener:            opener,
		maxBodySize:       maxBodySize,
		upstreamTimeout:   upstreamTimeout,
		heartbeatInterval: heartbeatInterval,
	}
}

// InvocationHandler authenticates the caller, opens the upstream invocation
// and relays it as an event stream. Failures before the stream starts are
// answered with a status code; later ones with a final error event.
func (h *handler) InvocationHandler(c echo.Context) error {
	requestID := ParseOrGenerateRequestID(c.Request().Header.Get(echo.HeaderXRequestID))
	c.Response().Header().Set(echo.HeaderXRequestID, requestID)
	log := logrus.WithFields(logrus.Fields{
		"prefix":     "InvocationHandler",
		"request_id": requestID,
	})

	creds, err := h.authenticator.Authenticate(c.Request().Context(), c.Request().Header)
	if err != nil {
		reason := "authentication failed"
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		log.WithField("category", "auth").Warnf("rejected request: %v", reason)
		return c.JSON(utils.HttpResError("Unauthorized: "+reason, http.StatusUnauthorized))
	}

	prompt, err := readPrompt(c.Request(), h.maxBodySize)
	if err != nil {
		log.WithField("category", "validation").Warnf("bad request: %v", err)
		return c.JSON(utils.HttpResError(err.Error(), http.StatusBadRequest))
	}

	ctx := c.Request().Context()
	if h.upstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.upstreamTimeout)
		defer cancel()
	}

	stream, err := h.opener.Open(ctx, creds.AccessToken, prompt)
	if err != nil {
		log.WithField("category", "upstream").Errorf("failed to open invocation: %v", err)
		return c.JSON(utils.HttpResError("Internal Server Error: "+err.Error(), http.StatusInternalServerError))
	}
	defer stream.Close()

	res := c.Response()
	setEventStreamHeaders(res.Header())
	res.WriteHeader(http.StatusOK)
	res.Flush()

	sink := &responseSink{res: res}
	stopHeartbeat := startHeartbeat(sink, h.heartbeatInterval)
	state, err := stream.Forward(sink)
	stopHeartbeat()

	switch {
	case err == nil:
		log.WithField("state", state.String()).Debug("stream finished")
	case errors.Is(err, relay.ErrSinkClosed) || c.Request().Context().Err() != nil:
		log.WithField("category", "client").Infof("client went away: %v", err)
	default:
		log.WithField("category", "upstream").Errorf("stream failed: %v", err)
		if writeErr := writeErrorEvent(res, err.Error()); writeErr != nil {
			log.Errorf("msg can't write to connection: %v", writeErr)
		}
	}
	return nil
}

// responseSink serializes relayed events and heartbeats on one response.
type responseSink struct {
	mu  sync.Mutex
	res *echo.Response
}

func (s *responseSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res.Write(p)
}

func (s *responseSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.Flush()
}

func (s *responseSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.res.Write([]byte(heartbeatMessage)); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

// startHeartbeat pings sink every interval until the returned stop function
// is called. stop waits for the ticker goroutine to exit.
func startHeartbeat(sink *responseSink, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sink.ping(); err != nil {
					logrus.WithField("prefix", "InvocationHandler").Debugf("heartbeat failed: %v", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func readPrompt(req *http.Request, maxBodySize int64) (string, error) {
	if req.Body == nil {
		return "", errPromptRequired
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > maxBodySize {
		return "", errBodyTooLarge
	}

	var input invocationInput
	if len(body) > 0 {
		if err := sonic.Unmarshal(body, &input); err != nil {
			return "", errPromptRequired
		}
	}
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return "", errPromptRequired
	}
	return prompt, nil
}

func setEventStreamHeaders(header http.Header) {
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set(echo.HeaderCacheControl, "no-cache, no-transform")
	header.Set(echo.HeaderConnection, "keep-alive")
	header.Set("X-Accel-Buffering", "no")
}

func writeErrorEvent(res *echo.Response, message string) error {
	payload, err := sonic.Marshal(errorEvent{Error: message})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
		return err
	}
	res.Flush()
	return nil
}
