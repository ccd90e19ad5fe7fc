package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

const (
	readChunkSize     = 32 * 1024
	errorBodyLogLimit = 4 * 1024
)

// State is the lifecycle position of a relayed stream.
type State int

const (
	StateInit State = iota
	StateStreaming
	// StateDone means the upstream sent the [DONE] sentinel.
	StateDone
	// StateDrained means the upstream closed the body without a sentinel.
	StateDrained
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateDrained:
		return "drained"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sink is the ordered, append-only consumer of normalized events, usually
// the HTTP response of the client.
type Sink interface {
	Write(p []byte) (int, error)
	Flush()
}

type Options struct {
	// BaseURL of the agent runtime API, e.g. https://bedrock-agentcore.us-east-1.amazonaws.com
	BaseURL string
	// RuntimeARN identifies the agent runtime to invoke.
	RuntimeARN string
	// Qualifier is sent as the "qualifier" query parameter when not empty.
	Qualifier string
	// HTTPClient defaults to a client without a timeout; deadlines come from
	// the request context.
	HTTPClient *http.Client
}

// Client opens streaming invocations against a single agent runtime.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.RuntimeARN) == "" {
		return nil, errors.New("relay: runtime ARN is required")
	}
	endpoint, err := invocationURL(opts.BaseURL, opts.RuntimeARN, opts.Qualifier)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
	}, nil
}

// Endpoint returns the invocation URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func invocationURL(baseURL, runtimeARN, qualifier string) (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("relay: invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("relay: invalid base URL %q", baseURL)
	}
	endpoint := base.String() + "/runtimes/" + escapeComponent(runtimeARN) + "/invocations"
	if qualifier != "" {
		endpoint += "?" + url.Values{"qualifier": []string{qualifier}}.Encode()
	}
	return endpoint, nil
}

// componentUnescaper restores the characters QueryEscape encodes but a URI
// component leaves as they are: space is %20 and !'()* stay literal.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// escapeComponent escapes every reserved character, including ':' and '/',
// so an ARN stays a single path segment.
func escapeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

type invocationRequest struct {
	Prompt string `json:"prompt"`
}

// Relay invokes the runtime with prompt and forwards every normalized event
// to sink. It returns nil when the upstream finished with [DONE] or closed
// the stream.
func (c *Client) Relay(ctx context.Context, accessToken, prompt string, sink Sink) error {
	stream, err := c.Open(ctx, accessToken, prompt)
	if err != nil {
		return err
	}
	defer stream.Close()
	_, err = stream.Forward(sink)
	return err
}

// Open issues the invocation and checks the response status. Nothing of the
// body is decoded until Forward is called.
func (c *Client) Open(ctx context.Context, accessToken, prompt string) (*Stream, error) {
	log := logrus.WithField("prefix", "relay.Open")

	body, err := sonic.Marshal(invocationRequest{Prompt: strings.TrimSpace(prompt)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to init request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		upstreamErrorsMetric.WithLabelValues("transport").Inc()
		return nil, &UpstreamError{Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		upstreamErrorsMetric.WithLabelValues("status").Inc()
		detail, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLogLimit))
		if closeErr := res.Body.Close(); closeErr != nil {
			log.Errorf("failed to close response body: %v", closeErr)
		}
		log.WithFields(logrus.Fields{
			"status": res.StatusCode,
			"body":   string(detail),
		}).Warn("upstream rejected invocation")
		return nil, &UpstreamError{Status: res.StatusCode, StatusText: statusText(res)}
	}

	if res.Body == nil || res.Body == http.NoBody {
		upstreamErrorsMetric.WithLabelValues("no_body").Inc()
		return nil, &UpstreamError{StatusText: "no response body"}
	}

	return newStream(res.Body), nil
}

func statusText(res *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)))
	if text == "" {
		text = http.StatusText(res.StatusCode)
	}
	return text
}

// Stream is one open upstream response. It is owned by a single request and
// is not safe for concurrent use.
type Stream struct {
	body    io.ReadCloser
	decoder *Decoder
	lines   string
	state   State

	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:    body,
		decoder: NewDecoder(),
		state:   StateInit,
	}
}

func (s *Stream) State() State {
	return s.state
}

// Close releases the upstream body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// Forward runs the parse loop until the sentinel, the end of the upstream
// body or an error. The upstream body is released on every path. Individual
// records that are not valid JSON are dropped and never fail the stream.
func (s *Stream) Forward(sink Sink) (State, error) {
	defer s.Close()
	if s.state != StateInit {
		return s.state, fmt.Errorf("relay: stream already %s", s.state)
	}
	s.state = StateStreaming
	activeStreamsMetric.Inc()
	defer activeStreamsMetric.Dec()

	state, err := s.forward(sink)
	s.state = state
	streamsFinishedMetric.WithLabelValues(state.String()).Inc()
	return state, err
}

func (s *Stream) forward(sink Sink) (State, error) {
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := s.body.Read(chunk)
		if n > 0 {
			text, err := s.decoder.Decode(chunk[:n])
			if err != nil {
				return StateFailed, &UpstreamError{Err: fmt.Errorf("decode: %w", err)}
			}
			s.lines += text
			done, err := s.drainLines(sink)
			if err != nil {
				return StateFailed, err
			}
			if done {
				return StateDone, nil
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			upstreamErrorsMetric.WithLabelValues("read").Inc()
			return StateFailed, &UpstreamError{Err: readErr}
		}
	}

	tail, err := s.decoder.Flush()
	if err != nil {
		return StateFailed, &UpstreamError{Err: fmt.Errorf("decode: %w", err)}
	}
	s.lines += tail
	done, err := s.drainLines(sink)
	if err != nil {
		return StateFailed, err
	}
	if done {
		return StateDone, nil
	}

	rest := s.lines
	s.lines = ""
	done, err = s.handleLine(rest, sink)
	if err != nil {
		return StateFailed, err
	}
	if done {
		return StateDone, nil
	}
	return StateDrained, nil
}

// drainLines handles every complete line in the buffer, leaving at most one
// partial line behind.
func (s *Stream) drainLines(sink Sink) (bool, error) {
	for {
		i := strings.IndexByte(s.lines, '\n')
		if i < 0 {
			return false, nil
		}
		line := s.lines[:i]
		s.lines = s.lines[i+1:]
		done, err := s.handleLine(line, sink)
		if err != nil || done {
			return done, err
		}
	}
}

func (s *Stream) handleLine(line string, sink Sink) (bool, error) {
	rec, ok := parseLine(line)
	if !ok {
		return false, nil
	}
	if rec.isDone() {
		return true, nil
	}

	payload, err := canonicalize(rec.payload)
	if err != nil {
		droppedRecordsMetric.Inc()
		logrus.WithField("prefix", "relay.Stream").
			WithField("length", len(rec.payload)).
			Debugf("dropping record that is not valid JSON: %v", err)
		return false, nil
	}

	if _, err := sink.Write(formatEvent(payload)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	sink.Flush()
	forwardedEventsMetric.Inc()
	return false, nil
}
