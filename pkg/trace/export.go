package trace

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ArtifactStore resolves artifact keys (screenshots captured during UI
// events) to their stored content.
type ArtifactStore interface {
	OpenArtifact(key string) (io.ReadCloser, error)
}

// RenderReport renders an ordered trace as a human-readable markdown
// document. Pure transformation over the entry sequence.
func RenderReport(treeID string, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Recovery Trace %s\n\n", treeID)

	if len(entries) == 0 {
		b.WriteString("No trace entries recorded.\n")
		return b.String()
	}

	for _, e := range entries {
		status := "ok"
		if !e.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "## %d. %s `%s` (%s)\n\n", e.Seq, e.Kind, e.Name, status)
		fmt.Fprintf(&b, "- Invocation: `%s`\n", e.InvocationID)
		if e.ParentInvocationID != nil {
			fmt.Fprintf(&b, "- Parent: `%s`\n", *e.ParentInvocationID)
		}
		fmt.Fprintf(&b, "- Time: %s\n", e.Timestamp.Format("2006-01-02 15:04:05.000 MST"))
		if len(e.Input) > 0 {
			fmt.Fprintf(&b, "\n**Input**\n\n```json\n%s\n```\n", indentJSON(e.Input))
		}
		if len(e.Output) > 0 {
			fmt.Fprintf(&b, "\n**Output**\n\n```json\n%s\n```\n", indentJSON(e.Output))
		}
		if e.ArtifactKey != "" {
			fmt.Fprintf(&b, "\n- Artifact: `%s`\n", e.ArtifactKey)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// BundleUIEvents writes a zip archive containing the ui_event sub-trace as
// JSON plus the referenced screenshot artifacts. Entries of other kinds are
// skipped; missing artifacts are reported as an error.
func BundleUIEvents(w io.Writer, entries []Entry, artifacts ArtifactStore) error {
	zw := zip.NewWriter(w)

	events := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == KindUIEvent {
			events = append(events, e)
		}
	}

	manifest, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ui events: %w", err)
	}
	f, err := zw.Create("ui_events.json")
	if err != nil {
		return fmt.Errorf("failed to create manifest entry: %w", err)
	}
	if _, err := f.Write(manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for _, e := range events {
		if e.ArtifactKey == "" {
			continue
		}
		rc, err := artifacts.OpenArtifact(e.ArtifactKey)
		if err != nil {
			return fmt.Errorf("failed to open artifact %s: %w", e.ArtifactKey, err)
		}
		dst, err := zw.Create(fmt.Sprintf("artifacts/%s", e.ArtifactKey))
		if err != nil {
			rc.Close()
			return fmt.Errorf("failed to create artifact entry: %w", err)
		}
		if _, err := io.Copy(dst, rc); err != nil {
			rc.Close()
			return fmt.Errorf("failed to copy artifact %s: %w", e.ArtifactKey, err)
		}
		rc.Close()
	}

	return zw.Close()
}

func indentJSON(raw json.RawMessage) string {
	var buf strings.Builder
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimRight(buf.String(), "\n")
}
