package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordingSink struct {
	bytes.Buffer
	flushes int
}

func (s *recordingSink) Flush() {
	s.flushes++
}

type failingSink struct {
	writes int
}

func (s *failingSink) Write(p []byte) (int, error) {
	s.writes++
	return 0, errors.New("broken pipe")
}

func (s *failingSink) Flush() {}

// chunkReader hands out the given chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
	err    error
	reads  int
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func splitEvery(input string, size int) [][]byte {
	var chunks [][]byte
	data := []byte(input)
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return chunks
}

func forwardChunks(t *testing.T, chunks ...string) (string, State, error) {
	t.Helper()
	body := &chunkReader{}
	for _, c := range chunks {
		body.chunks = append(body.chunks, []byte(c))
	}
	sink := &recordingSink{}
	state, err := newStream(body).Forward(sink)
	if !body.closed {
		t.Error("upstream body was not closed")
	}
	return sink.String(), state, err
}

func TestForward_Records(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		state State
	}{
		{
			name:  "sse framed json",
			input: "data: {\"token\":\"hi\"}\n",
			want:  "data: {\"token\":\"hi\"}\n\n",
			state: StateDrained,
		},
		{
			name:  "bare json line",
			input: "{\"x\":1}\n",
			want:  "data: {\"x\":1}\n\n",
			state: StateDrained,
		},
		{
			name:  "leading byte order mark",
			input: "\ufeff{\"bom\":1}\n",
			want:  "data: {\"bom\":1}\n\n",
			state: StateDrained,
		},
		{
			name:  "invalid framed payload is dropped",
			input: "data: not-json\n",
			want:  "",
			state: StateDrained,
		},
		{
			name:  "invalid bare line is dropped",
			input: "hello world\n{\"ok\":true}\n",
			want:  "data: {\"ok\":true}\n\n",
			state: StateDrained,
		},
		{
			name:  "blank lines and surrounding whitespace",
			input: "\n\n   \r\n  data: {\"a\":1}  \r\n\n",
			want:  "data: {\"a\":1}\n\n",
			state: StateDrained,
		},
		{
			name:  "done sentinel stops relay",
			input: "data: {\"a\":1}\ndata: [DONE]\n{\"b\":2}\n",
			want:  "data: {\"a\":1}\n\n",
			state: StateDone,
		},
		{
			name:  "bare done is not a sentinel",
			input: "[DONE]\n{\"b\":2}\n",
			want:  "data: {\"b\":2}\n\n",
			state: StateDrained,
		},
		{
			name:  "trailing line without newline is flushed",
			input: "data: {\"a\":1}\n{\"x\":1}",
			want:  "data: {\"a\":1}\n\ndata: {\"x\":1}\n\n",
			state: StateDrained,
		},
		{
			name:  "trailing sentinel without newline",
			input: "{\"a\":1}\ndata: [DONE]",
			want:  "data: {\"a\":1}\n\n",
			state: StateDone,
		},
		{
			name:  "trailing whitespace only",
			input: "{\"a\":1}\n   ",
			want:  "data: {\"a\":1}\n\n",
			state: StateDrained,
		},
		{
			name:  "keys are sorted and whitespace removed",
			input: "data: { \"b\" : 1, \"a\" : { \"d\": 2, \"c\": 3 } }\n",
			want:  "data: {\"a\":{\"c\":3,\"d\":2},\"b\":1}\n\n",
			state: StateDrained,
		},
		{
			name:  "large numbers keep their digits",
			input: "{\"n\":12345678901234567890}\n",
			want:  "data: {\"n\":12345678901234567890}\n\n",
			state: StateDrained,
		},
		{
			name:  "json scalars are forwarded",
			input: "data: \"text\"\ndata: 42\n",
			want:  "data: \"text\"\n\ndata: 42\n\n",
			state: StateDrained,
		},
		{
			name:  "empty stream",
			input: "",
			want:  "",
			state: StateDrained,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, state, err := forwardChunks(t, tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("events = %q, want %q", got, tt.want)
			}
			if state != tt.state {
				t.Errorf("state = %v, want %v", state, tt.state)
			}
		})
	}
}

func TestForward_ChunkBoundariesDoNotMatter(t *testing.T) {
	input := "data: {\"text\":\"héllo 世界 🎉\"}\n" +
		"{\"n\":2}\r\n\n" +
		"data: not json at all\n" +
		" data: {\"k\":\"v\"} \n" +
		"{\"tail\":\"ünïcödé\"}"

	want, _, err := forwardChunks(t, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(want, "data: ") != 4 {
		t.Fatalf("expected 4 events, got %q", want)
	}
	if !strings.Contains(want, "data: {\"n\":2}\n\n") {
		t.Errorf("missing bare event in %q", want)
	}

	for size := 1; size <= len(input); size++ {
		body := &chunkReader{chunks: splitEvery(input, size)}
		sink := &recordingSink{}
		if _, err := newStream(body).Forward(sink); err != nil {
			t.Fatalf("chunk size %d: unexpected error: %v", size, err)
		}
		if sink.String() != want {
			t.Errorf("chunk size %d: events = %q, want %q", size, sink.String(), want)
		}
	}
}

func TestForward_DoneStopsReading(t *testing.T) {
	body := &chunkReader{chunks: [][]byte{
		[]byte("data: {\"a\":1}\n"),
		[]byte("data: [DONE]\n{\"buffered\":true}\n"),
		[]byte("{\"never\":\"read\"}\n"),
	}}
	sink := &recordingSink{}

	state, err := newStream(body).Forward(sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != StateDone {
		t.Errorf("state = %v, want %v", state, StateDone)
	}
	if body.reads != 2 {
		t.Errorf("expected 2 reads, got %d", body.reads)
	}
	if sink.String() != "data: {\"a\":1}\n\n" {
		t.Errorf("unexpected events %q", sink.String())
	}
	if !body.closed {
		t.Error("upstream body was not closed")
	}
}

func TestForward_FlushesEachEvent(t *testing.T) {
	body := &chunkReader{chunks: [][]byte{[]byte("{\"a\":1}\n{\"b\":2}\nbad\n")}}
	sink := &recordingSink{}

	if _, err := newStream(body).Forward(sink); err != nil {
		t.Fatal(err)
	}
	if sink.flushes != 2 {
		t.Errorf("expected 2 flushes, got %d", sink.flushes)
	}
}

func TestForward_SinkClosed(t *testing.T) {
	body := &chunkReader{chunks: [][]byte{
		[]byte("{\"a\":1}\n{\"b\":2}\n"),
		[]byte("{\"c\":3}\n"),
	}}
	sink := &failingSink{}

	state, err := newStream(body).Forward(sink)
	if !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
	if state != StateFailed {
		t.Errorf("state = %v, want %v", state, StateFailed)
	}
	if sink.writes != 1 {
		t.Errorf("expected a single write attempt, got %d", sink.writes)
	}
	if body.reads != 1 {
		t.Errorf("expected reading to stop after the failed write, got %d reads", body.reads)
	}
	if !body.closed {
		t.Error("upstream body was not closed")
	}
}

func TestForward_ReadError(t *testing.T) {
	body := &chunkReader{
		chunks: [][]byte{[]byte("{\"a\":1}\n{\"partial\":")},
		err:    errors.New("connection reset"),
	}
	sink := &recordingSink{}

	state, err := newStream(body).Forward(sink)
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if state != StateFailed {
		t.Errorf("state = %v, want %v", state, StateFailed)
	}
	if sink.String() != "data: {\"a\":1}\n\n" {
		t.Errorf("unexpected events %q", sink.String())
	}
	if !body.closed {
		t.Error("upstream body was not closed")
	}
}

func TestForward_OnlyOnce(t *testing.T) {
	stream := newStream(&chunkReader{})
	if _, err := stream.Forward(&recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Forward(&recordingSink{}); err == nil {
		t.Error("expected error when forwarding a finished stream")
	}
}

func TestEscapeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"arn:aws:runtime/agent", "arn%3Aaws%3Aruntime%2Fagent"},
		{"agent one", "agent%20one"},
		{"a+b", "a%2Bb"},
		{"it's (really) *ok*!", "it's%20(really)%20*ok*!"},
		{"-_.~", "-_.~"},
		{"100%!", "100%25!"},
		{"q?x=1&y#z", "q%3Fx%3D1%26y%23z"},
		{"é", "%C3%A9"},
	}

	for _, tt := range tests {
		if got := escapeComponent(tt.in); got != tt.want {
			t.Errorf("escapeComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantErr  bool
		endpoint string
	}{
		{
			name:    "missing runtime",
			opts:    Options{BaseURL: "https://agentcore.example.com"},
			wantErr: true,
		},
		{
			name:    "blank runtime",
			opts:    Options{BaseURL: "https://agentcore.example.com", RuntimeARN: "  "},
			wantErr: true,
		},
		{
			name:    "base without scheme",
			opts:    Options{BaseURL: "agentcore.example.com", RuntimeARN: "agent"},
			wantErr: true,
		},
		{
			name:     "arn is a single escaped segment",
			opts:     Options{BaseURL: "https://agentcore.example.com/", RuntimeARN: "arn:aws:bedrock-agentcore:us-east-1:123456789012:runtime/my_agent-1"},
			endpoint: "https://agentcore.example.com/runtimes/arn%3Aaws%3Abedrock-agentcore%3Aus-east-1%3A123456789012%3Aruntime%2Fmy_agent-1/invocations",
		},
		{
			name:     "qualifier",
			opts:     Options{BaseURL: "https://agentcore.example.com", RuntimeARN: "agent one", Qualifier: "DEFAULT"},
			endpoint: "https://agentcore.example.com/runtimes/agent%20one/invocations?qualifier=DEFAULT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Endpoint() != tt.endpoint {
				t.Errorf("endpoint = %q, want %q", c.Endpoint(), tt.endpoint)
			}
		})
	}
}

func TestRelay_Request(t *testing.T) {
	const arn = "arn:aws:bedrock-agentcore:us-east-1:123456789012:runtime/agent"
	var gotURI, gotAuth, gotBody, gotMethod, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = fmt.Fprint(w, "data: {\"ok\":true}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, RuntimeARN: arn, Qualifier: "DEFAULT"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	if err := c.Relay(context.Background(), "access-123", "  what is up?  ", sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	wantURI := "/runtimes/arn%3Aaws%3Abedrock-agentcore%3Aus-east-1%3A123456789012%3Aruntime%2Fagent/invocations?qualifier=DEFAULT"
	if gotURI != wantURI {
		t.Errorf("uri = %q, want %q", gotURI, wantURI)
	}
	if gotAuth != "Bearer access-123" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotBody != `{"prompt":"what is up?"}` {
		t.Errorf("body = %q", gotBody)
	}
	if sink.String() != "data: {\"ok\":true}\n\n" {
		t.Errorf("events = %q", sink.String())
	}
}

func TestRelay_StreamedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"data: {\"tok", "en\":\"a\"}\n", "{\"token\":\"b\"}", "\ndata: [DONE]\n"} {
			_, _ = fmt.Fprint(w, part)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, RuntimeARN: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	if err := c.Relay(context.Background(), "token", "hi", sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "data: {\"token\":\"a\"}\n\ndata: {\"token\":\"b\"}\n\n"
	if sink.String() != want {
		t.Errorf("events = %q, want %q", sink.String(), want)
	}
}

func TestRelay_UpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, "data: {\"should\":\"not be relayed\"}\n")
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, RuntimeARN: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	err = c.Relay(context.Background(), "token", "hi", sink)

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", upstreamErr.Status)
	}
	if upstreamErr.StatusText != "Internal Server Error" {
		t.Errorf("status text = %q", upstreamErr.StatusText)
	}
	if sink.Len() != 0 {
		t.Errorf("nothing should reach the sink, got %q", sink.String())
	}
}

func TestRelay_NoResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, RuntimeARN: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Open(context.Background(), "token", "hi")

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.StatusText != "no response body" {
		t.Errorf("status text = %q", upstreamErr.StatusText)
	}
}

func TestRelay_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Options{BaseURL: url, RuntimeARN: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Relay(context.Background(), "token", "hi", &recordingSink{})

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Status != 0 {
		t.Errorf("unexpected status %d", upstreamErr.Status)
	}
}

func TestUpstreamError_Error(t *testing.T) {
	tests := []struct {
		err  *UpstreamError
		want string
	}{
		{&UpstreamError{Status: 502, StatusText: "Bad Gateway"}, "upstream returned 502 Bad Gateway"},
		{&UpstreamError{StatusText: "no response body"}, "upstream: no response body"},
		{&UpstreamError{Err: io.ErrUnexpectedEOF}, "upstream: unexpected EOF"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
