// ABOUTME: Decodes WhatsApp Cloud API webhook bodies into bridge inbound events
// ABOUTME: Accepts the entry/changes/value envelope and the flat legacy shape

package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/wabridge/internal/bridge"
)

// Batch is the decoded content of one webhook delivery.
type Batch struct {
	// Events are text messages, not yet validated. A message missing a field
	// still appears here so the pipeline can reject it with a ShapeError.
	Events []bridge.InboundEvent
	// Statuses counts delivery/read receipts, which are acknowledged and dropped.
	Statuses int
	// Unsupported counts non-text messages (media, reactions, templates).
	Unsupported int
}

// Ignorable reports whether the delivery carried nothing to ingest but was
// still a well-formed notification.
func (b *Batch) Ignorable() bool {
	return len(b.Events) == 0 && (b.Statuses > 0 || b.Unsupported > 0)
}

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`

	// Flat shape used by older integrations and local testing.
	From      string   `json:"from"`
	To        string   `json:"to"`
	ID        string   `json:"id"`
	Timestamp unixTime `json:"timestamp"`
	Text      textBody `json:"text"`
	Name      string   `json:"name"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         metadata  `json:"metadata"`
	Contacts         []contact `json:"contacts"`
	Messages         []message `json:"messages"`
	Statuses         []status  `json:"statuses"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type message struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp unixTime `json:"timestamp"`
	Type      string   `json:"type"`
	Text      textBody `json:"text"`
}

type status struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// unixTime accepts seconds since the epoch as a JSON string or number.
type unixTime struct {
	time.Time
}

func (u *unixTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		u.Time = time.Time{}
		return nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q is not unix seconds", raw)
	}
	u.Time = time.Unix(secs, 0).UTC()
	return nil
}

// textBody accepts {"body": "..."} or a bare string.
type textBody struct {
	Body string
}

func (t *textBody) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &t.Body)
	}
	var obj struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Body = obj.Body
	return nil
}

// Parse decodes a webhook body. It returns a *bridge.ShapeError when the body
// is not JSON or contains neither messages nor statuses.
func Parse(body []byte) (*Batch, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &bridge.ShapeError{Field: "body", Reason: err.Error()}
	}

	if len(p.Entry) == 0 {
		if p.From == "" && p.ID == "" && p.Text.Body == "" {
			return nil, &bridge.ShapeError{Field: "entry", Reason: "missing"}
		}
		return &Batch{Events: []bridge.InboundEvent{{
			MessageID:  p.ID,
			Sender:     p.From,
			SenderName: strings.TrimSpace(p.Name),
			Recipient:  p.To,
			Text:       p.Text.Body,
			Timestamp:  p.Timestamp.Time,
		}}}, nil
	}

	batch := &Batch{}
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			batch.add(c.Value)
		}
	}
	if len(batch.Events) == 0 && !batch.Ignorable() {
		return nil, &bridge.ShapeError{Field: "messages", Reason: "missing"}
	}
	return batch, nil
}

func (b *Batch) add(v changeValue) {
	b.Statuses += len(v.Statuses)
	for _, m := range v.Messages {
		if m.Type != "" && m.Type != "text" {
			b.Unsupported++
			continue
		}
		b.Events = append(b.Events, bridge.InboundEvent{
			MessageID:  m.ID,
			Sender:     m.From,
			SenderName: contactName(v.Contacts, m.From, len(v.Messages)),
			Recipient:  v.Metadata.DisplayPhoneNumber,
			Text:       m.Text.Body,
			Timestamp:  m.Timestamp.Time,
		})
	}
}

// contactName returns the profile name of the contact whose wa_id matches
// the sender. An unmatched contact is only attributed when it cannot belong
// to anyone else: the change holds a single message, or a single contact
// without a wa_id. Otherwise the name is left empty so the directory stores
// the placeholder and a later delivery can backfill it.
func contactName(contacts []contact, from string, messages int) string {
	for _, c := range contacts {
		if c.WaID == from {
			return strings.TrimSpace(c.Profile.Name)
		}
	}
	if len(contacts) == 0 {
		return ""
	}
	if messages == 1 || (len(contacts) == 1 && contacts[0].WaID == "") {
		return strings.TrimSpace(contacts[0].Profile.Name)
	}
	return ""
}
