package relay

import (
	"strings"

	"github.com/bytedance/sonic"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

type recordKind int

const (
	recordBare recordKind = iota
	recordFramed
)

// record is one non-empty upstream line reduced to its payload candidate.
type record struct {
	kind    recordKind
	payload string
}

func (r record) isDone() bool {
	return r.kind == recordFramed && r.payload == doneSentinel
}

// parseLine classifies a raw line. It returns false for blank lines.
func parseLine(line string) (record, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return record{}, false
	}
	if strings.HasPrefix(line, dataPrefix) {
		return record{
			kind:    recordFramed,
			payload: strings.TrimSpace(strings.TrimPrefix(line, dataPrefix)),
		}, true
	}
	return record{kind: recordBare, payload: line}, true
}

var canonicalJSON = sonic.Config{
	SortMapKeys: true,
	UseNumber:   true,
	EscapeHTML:  false,
}.Froze()

// canonicalize decodes payload and encodes it again with sorted keys and no
// insignificant whitespace. Numbers are kept as written.
func canonicalize(payload string) ([]byte, error) {
	var v interface{}
	if err := canonicalJSON.UnmarshalFromString(payload, &v); err != nil {
		return nil, err
	}
	return canonicalJSON.Marshal(v)
}

// formatEvent frames a canonical payload as a single SSE data event.
func formatEvent(payload []byte) []byte {
	event := make([]byte, 0, len(dataPrefix)+len(payload)+2)
	event = append(event, dataPrefix...)
	event = append(event, payload...)
	return append(event, '\n', '\n')
}
