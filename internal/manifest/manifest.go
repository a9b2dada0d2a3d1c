// Package manifest reads export manifests and reconciles them with files on
// disk.
//
// A manifest is either a bare JSON list of message records or an object with
// a "messages" list. Field spellings vary between tool versions, so records
// are normalized once here: id from "id" or "ID", timestamp from the first of
// "date", "Date", "timestamp", and the file reference from a string or an
// object's "name".
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tdl-archive-manager/internal/runstore"
)

type Message struct {
	ID           int64
	HasID        bool
	Timestamp    int64
	HasTimestamp bool
	// File is the original file name, empty when the message has no media.
	File string

	raw json.RawMessage
}

func (m Message) HasFile() bool {
	return m.File != ""
}

type Manifest struct {
	Messages []Message

	wrapped bool
	top     map[string]json.RawMessage
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

func Parse(data []byte) (*Manifest, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty manifest")
	}

	m := &Manifest{}
	var records []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
	case '{':
		if err := json.Unmarshal(data, &m.top); err != nil {
			return nil, err
		}
		m.wrapped = true
		raw, ok := m.top["messages"]
		if !ok {
			return nil, errors.New(`manifest object has no "messages" list`)
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("messages: %w", err)
		}
	default:
		return nil, errors.New("manifest must be a list or an object")
	}

	m.Messages = make([]Message, 0, len(records))
	for _, raw := range records {
		m.Messages = append(m.Messages, parseMessage(raw))
	}
	return m, nil
}

func parseMessage(raw json.RawMessage) Message {
	msg := Message{raw: raw}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return msg
	}
	for _, key := range []string{"id", "ID"} {
		if v, ok := intField(fields[key]); ok {
			msg.ID, msg.HasID = v, true
			break
		}
	}
	for _, key := range []string{"date", "Date", "timestamp"} {
		if v, ok := intField(fields[key]); ok {
			msg.Timestamp, msg.HasTimestamp = v, true
			break
		}
	}
	msg.File = fileField(fields["file"])
	return msg
}

func intField(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func fileField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return cleanFileName(name)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return cleanFileName(obj.Name)
	}
	return ""
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return filepath.Base(filepath.FromSlash(name))
}

// Counts returns the number of records and the number of records with a file.
func (m *Manifest) Counts() (messages int, media int) {
	for _, msg := range m.Messages {
		if msg.HasFile() {
			media++
		}
	}
	return len(m.Messages), media
}

// WriteSubset writes the records for which keep returns true, preserving the
// document shape and any other top-level fields.
func (m *Manifest) WriteSubset(path string, keep func(Message) bool) (int, error) {
	records := make([]json.RawMessage, 0, len(m.Messages))
	for _, msg := range m.Messages {
		if keep(msg) {
			records = append(records, msg.raw)
		}
	}

	var doc any = records
	if m.wrapped {
		top := make(map[string]json.RawMessage, len(m.top))
		for k, v := range m.top {
			top[k] = v
		}
		encoded, err := json.Marshal(records)
		if err != nil {
			return 0, err
		}
		top["messages"] = encoded
		doc = top
	}
	if err := runstore.WriteJSON(path, doc); err != nil {
		return 0, err
	}
	return len(records), nil
}
