package scan

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"cardscan/internal/models"
)

// ParseAnswer converts a model answer into a CardRecord.
//
// The answer must be a single object literal, optionally wrapped in a code
// fence, with nothing after it. Strict JSON is decoded as JSON; the relaxed
// object-literal form ({name: '山田太郎'}) is decoded as a YAML flow mapping.
// Missing, null and non-scalar fields become "". Scalars are kept as written.
func ParseAnswer(answer string) (models.CardRecord, error) {
	var record models.CardRecord

	payload := stripCodeFence(strings.TrimSpace(answer))
	if !strings.HasPrefix(payload, "{") || !strings.HasSuffix(payload, "}") {
		return record, malformed(answer, "answer is not an object literal", nil)
	}

	fields, ok, err := decodeJSON(payload)
	if err != nil {
		return record, malformed(answer, "decode answer", err)
	}
	if !ok {
		if fields, err = decodeRelaxed(payload); err != nil {
			return record, malformed(answer, "decode answer", err)
		}
	}
	for _, kv := range fields {
		record.Set(kv[0], kv[1])
	}
	return record, nil
}

// decodeJSON reports ok=false when payload is not a JSON object, so the
// relaxed form can be tried. A JSON object followed by anything is an error.
func decodeJSON(payload string) ([][2]string, bool, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false, nil
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, true, errors.New("unexpected content after object")
	}
	fields := make([][2]string, 0, len(obj))
	for k, v := range obj {
		fields = append(fields, [2]string{k, jsonScalar(v)})
	}
	return fields, true, nil
}

func jsonScalar(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func decodeRelaxed(payload string) ([][2]string, error) {
	dec := yaml.NewDecoder(strings.NewReader(payload))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, errors.New("unexpected content after object")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("answer is not a mapping")
	}
	root := doc.Content[0]
	if hasComment(&doc) {
		return nil, errors.New("unexpected comment in answer")
	}

	fields := make([][2]string, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			continue
		}
		fields = append(fields, [2]string{key.Value, scalarValue(val)})
	}
	return fields, nil
}

// hasComment reports whether any node under n carries a comment. yaml drops
// "# ..." text, which would otherwise hide trailing content.
func hasComment(n *yaml.Node) bool {
	if n.HeadComment != "" || n.LineComment != "" || n.FootComment != "" {
		return true
	}
	for _, c := range n.Content {
		if hasComment(c) {
			return true
		}
	}
	return false
}

func scalarValue(n *yaml.Node) string {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind != yaml.ScalarNode || n.ShortTag() == "!!null" {
		return ""
	}
	return n.Value
}

// stripCodeFence removes one ```lang ... ``` (or ~~~) wrapper.
func stripCodeFence(s string) string {
	for _, fence := range []string{"```", "~~~"} {
		if !strings.HasPrefix(s, fence) || !strings.HasSuffix(s, fence) || len(s) < 2*len(fence) {
			continue
		}
		body := strings.TrimSuffix(strings.TrimPrefix(s, fence), fence)
		// drop the info string, e.g. "json"
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			if !strings.ContainsAny(body[:nl], "{}") {
				body = body[nl+1:]
			}
		}
		return strings.TrimSpace(body)
	}
	return s
}

func malformed(raw, detail string, err error) *Failure {
	f := newFailure(KindMalformedAnswer, detail, err)
	f.RawAnswer = raw
	return f
}
