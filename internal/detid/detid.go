// Package detid derives reproducible identifiers and random seeds from
// semantic inputs. Identical requests always produce identical workflow IDs,
// correlation IDs and per-step seeds, which is what makes two independent runs
// of the same workflow comparable byte for byte.
package detid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Namespace is the UUIDv5 namespace all Corvid identifiers are derived in.
var Namespace = uuid.MustParse("6f1c7a52-3c1e-5b8e-9d0e-4a7c2f5e8b11")

const (
	workflowPrefix    = "wf-"
	correlationPrefix = "corr-"
)

// WorkflowID derives a stable workflow identifier from caller-supplied inputs.
// Keys are sorted so map iteration order never leaks into the result.
func WorkflowID(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(inputs[k])
		b.WriteByte('\n')
	}
	return workflowPrefix + uuid.NewSHA1(Namespace, []byte(b.String())).String()
}

// Seed derives a deterministic 63-bit seed for one step of one workflow under
// one schema version.
func Seed(workflowID, stepID, schemaVersion string) int64 {
	h := xxhash.New()
	_, _ = h.WriteString(workflowID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(stepID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(schemaVersion)
	return int64(h.Sum64() & (1<<63 - 1))
}

// CorrelationID derives the correlation token for a delegated sub-process.
// The attempt number keeps retried delegations distinct while identical
// requests still map to identical tokens.
func CorrelationID(workflowID, group string, attempt int) string {
	name := workflowID + "\x00" + group + "\x00" + strconv.Itoa(attempt)
	return correlationPrefix + uuid.NewSHA1(Namespace, []byte(name)).String()
}

// Canonical encodes v as JSON with object keys sorted at every level. The
// encoding/json package already sorts map keys; round-tripping through an
// untyped value normalises struct field order and number formatting too.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical re-encode: %w", err)
	}
	return out, nil
}

// Fingerprint is the xxhash64 of v's canonical encoding, rendered as hex.
func Fingerprint(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}
