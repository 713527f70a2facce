package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Action names recorded by the security core. Business handlers use the
// conventional entity.verb form.
const (
	ActionLoginSuccess    = "login-success"
	ActionLoginSuccess2FA = "login-success-2fa"
	ActionLoginFailure    = "login-failure"
	ActionLogout          = "logout"
	ActionSessionRotate   = "session-rotate"
	ActionUserCreate      = "user.create"
	ActionUserMFAEnable   = "user.mfa-enable"
	ActionTicketCreate    = "ticket.create"
	ActionTicketUpdate    = "ticket.update"
)

// Entity types referenced by audit rows.
const (
	EntitySession = "session"
	EntityUser    = "user"
	EntityTicket  = "ticket"
)

// Client identifies the remote party of a request.
type Client struct {
	Address string `json:"address,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// Snapshot is the typed state captured in an entry's before/after fields.
// Implementations are SessionSnapshot, AuthFailureSnapshot, UserSnapshot,
// TicketSnapshot and FieldsSnapshot.
type Snapshot interface {
	snapshot()
}

// SessionSnapshot describes a session after login, logout or rotation.
type SessionSnapshot struct {
	UserID      string    `json:"userId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RevokedAt   time.Time `json:"revokedAt,omitzero"`
	RotatedFrom string    `json:"rotatedFrom,omitempty"`
}

// AuthFailureSnapshot describes a rejected credential check.
type AuthFailureSnapshot struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
	Locked   bool   `json:"locked,omitempty"`
}

// UserSnapshot describes a directory user without secrets.
type UserSnapshot struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// TicketSnapshot describes a helpdesk ticket.
type TicketSnapshot struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Department  string `json:"department,omitempty"`
	Status      string `json:"status"`
}

// FieldsSnapshot is a flat string map for actions without a dedicated type.
type FieldsSnapshot map[string]string

func (SessionSnapshot) snapshot()     {}
func (AuthFailureSnapshot) snapshot() {}
func (UserSnapshot) snapshot()        {}
func (TicketSnapshot) snapshot()      {}
func (FieldsSnapshot) snapshot()      {}

// Event is the input to an append.
type Event struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Before   Snapshot
	After    Snapshot
	Client   Client
}

// Entry is a stored, chained audit record. Before and After hold canonical
// JSON.
type Entry struct {
	Seq           uint64          `json:"seq"`
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	ActorID       string          `json:"actor_id,omitempty"`
	Action        string          `json:"action"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entity_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after"`
	ClientAddress string          `json:"client_address,omitempty"`
	ClientAgent   string          `json:"client_agent,omitempty"`
	HashChainPrev string          `json:"hash_chain_prev"`
	HashChainCurr string          `json:"hash_chain_curr"`
}

// Canonical serializes v as JSON with object keys sorted at every level and
// numbers preserved verbatim.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalizeJSON(raw)
}

func canonicalizeJSON(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalizing json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonicalizing json: trailing data")
	}
	return json.Marshal(v)
}

// canonicalSnapshot returns the canonical form of s, or nil for a nil snapshot.
func canonicalSnapshot(s Snapshot) (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	return Canonical(s)
}

// IsCanonical reports whether raw is already in the form Canonical
// produces. Entries whose after field is not canonical cannot have been
// written by Append.
func IsCanonical(raw json.RawMessage) bool {
	canon, err := canonicalizeJSON(raw)
	return err == nil && bytes.Equal(canon, raw)
}

// Digest computes hex(SHA-256(prev + canonical({action, entity, entityId, after}))).
// after is hashed byte for byte; it must already be canonical JSON.
func Digest(prev, action, entity, entityID string, after json.RawMessage) (string, error) {
	if len(after) == 0 {
		after = json.RawMessage("null")
	}
	if !json.Valid(after) {
		return "", errors.New("digest: after is not valid json")
	}
	// Keys in sorted order: action, after, entity, entityId.
	var payload bytes.Buffer
	for i, part := range []struct {
		key string
		val string
	}{{"action", action}, {"after", ""}, {"entity", entity}, {"entityId", entityID}} {
		if i == 0 {
			payload.WriteByte('{')
		} else {
			payload.WriteByte(',')
		}
		payload.WriteString(`"` + part.key + `":`)
		if part.key == "after" {
			payload.Write(after)
			continue
		}
		val, err := json.Marshal(part.val)
		if err != nil {
			return "", err
		}
		payload.Write(val)
	}
	payload.WriteByte('}')

	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload.Bytes())
	return hex.EncodeToString(h.Sum(nil)), nil
}
